package runtime

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestKubernetesRuntime(clientset *fake.Clientset) *KubernetesRuntime {
	return newKubernetesRuntime(clientset, KubernetesConfig{
		Namespace: "test-ns",
		Image:     "modelplane/predictor:latest",
	})
}

func TestKubernetesRuntime_Start_CreatesPodAndService(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newTestKubernetesRuntime(clientset)

	ctx := context.Background()
	handle, err := rt.Start(ctx, StartOptions{
		Name:     "svc-1",
		ModelURI: "s3://models/model-abc.json",
		Workers:  3,
		Env:      map[string]string{"AWS_REGION": "eu-west-1"},
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if handle.Ref() != "modelplane-svc-1" {
		t.Errorf("expected ref modelplane-svc-1, got %s", handle.Ref())
	}
	if handle.Endpoint() != "http://modelplane-svc-1.test-ns.svc:8080" {
		t.Errorf("unexpected endpoint %s", handle.Endpoint())
	}

	pod, err := clientset.CoreV1().Pods("test-ns").Get(ctx, "modelplane-svc-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("failed to get pod: %v", err)
	}
	c := pod.Spec.Containers[0]
	if c.Image != "modelplane/predictor:latest" {
		t.Errorf("expected predictor image, got %s", c.Image)
	}
	if len(c.Args) != 6 || c.Args[1] != "s3://models/model-abc.json" || c.Args[5] != "3" {
		t.Errorf("unexpected args %v", c.Args)
	}
	if len(c.Env) != 1 || c.Env[0].Name != "AWS_REGION" {
		t.Errorf("unexpected env %v", c.Env)
	}
	if c.ReadinessProbe == nil || c.ReadinessProbe.HTTPGet.Path != "/readyz" {
		t.Error("expected readiness probe on /readyz")
	}
	if pod.Labels[managedByLabel] != "modelplane" {
		t.Error("expected managed-by label to be 'modelplane'")
	}
	if c.Resources.Limits.Cpu().String() != "500m" || c.Resources.Limits.Memory().String() != "256Mi" {
		t.Errorf("unexpected limits %v", c.Resources.Limits)
	}

	svc, err := clientset.CoreV1().Services("test-ns").Get(ctx, "modelplane-svc-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("failed to get service: %v", err)
	}
	if svc.Spec.Selector[instanceLabel] != "modelplane-svc-1" {
		t.Errorf("service selector does not target the pod: %v", svc.Spec.Selector)
	}
}

func TestKubernetesRuntime_Start_WithServiceAccount(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newKubernetesRuntime(clientset, KubernetesConfig{Namespace: "test-ns", ServiceAccount: "my-sa"})

	ctx := context.Background()
	if _, err := rt.Start(ctx, StartOptions{Name: "svc", ModelURI: "file:///m.json"}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	pods, _ := clientset.CoreV1().Pods("test-ns").List(ctx, metav1.ListOptions{})
	if pods.Items[0].Spec.ServiceAccountName != "my-sa" {
		t.Errorf("expected service account 'my-sa', got '%s'", pods.Items[0].Spec.ServiceAccountName)
	}
}

func TestKubernetesHandle_Stop_DeletesPodAndService(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newTestKubernetesRuntime(clientset)
	ctx := context.Background()

	if _, err := rt.Start(ctx, StartOptions{Name: "svc", ModelURI: "file:///m.json"}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Stop through a re-attached handle, as the CLI does.
	handle, err := rt.Attach(ctx, "modelplane-svc")
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	pods, _ := clientset.CoreV1().Pods("test-ns").List(ctx, metav1.ListOptions{})
	if len(pods.Items) != 0 {
		t.Errorf("expected 0 pods after stop, got %d", len(pods.Items))
	}
	svcs, _ := clientset.CoreV1().Services("test-ns").List(ctx, metav1.ListOptions{})
	if len(svcs.Items) != 0 {
		t.Errorf("expected 0 services after stop, got %d", len(svcs.Items))
	}

	// Already gone.
	if err := handle.Stop(ctx); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestKubernetesHandle_WaitReturnsOnPodFailure(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "modelplane-svc", Namespace: "test-ns"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	clientset := fake.NewClientset(pod)
	handle := &KubernetesHandle{clientset: clientset, namespace: "test-ns", name: "modelplane-svc"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type waitResult struct {
		res ExitResult
		err error
	}
	done := make(chan waitResult, 1)
	go func() {
		res, err := handle.Wait(ctx)
		done <- waitResult{res, err}
	}()

	// Keep failing the pod until the watcher picks it up.
	failed := pod.DeepCopy()
	failed.Status.Phase = corev1.PodFailed
	failed.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name:  predictorContainer,
		State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 2, Reason: "Error"}},
	}}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("Wait() failed: %v", r.err)
			}
			if r.res.ExitCode != 2 || r.res.Error == nil {
				t.Errorf("unexpected result %+v", r.res)
			}
			return
		case <-ticker.C:
			_, _ = clientset.CoreV1().Pods("test-ns").UpdateStatus(ctx, failed, metav1.UpdateOptions{})
		case <-ctx.Done():
			t.Fatal("Wait() did not return")
		}
	}
}

func TestPodExit(t *testing.T) {
	tests := []struct {
		name     string
		phase    corev1.PodPhase
		wantDone bool
		wantCode int
	}{
		{"running", corev1.PodRunning, false, 0},
		{"pending", corev1.PodPending, false, 0},
		{"succeeded", corev1.PodSucceeded, true, 0},
		{"failed without status", corev1.PodFailed, true, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, done := podExit(&corev1.Pod{Status: corev1.PodStatus{Phase: tt.phase}})
			if done != tt.wantDone || res.ExitCode != tt.wantCode {
				t.Errorf("podExit() = %+v, %v", res, done)
			}
		})
	}
}
