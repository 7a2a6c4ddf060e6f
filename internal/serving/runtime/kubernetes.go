package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	managedByLabel     = "app.kubernetes.io/managed-by"
	instanceLabel      = "app.kubernetes.io/instance"
	predictorContainer = "predictor"
)

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where predictor pods will be created
	Namespace string
	// ServiceAccount for predictor pods (optional)
	ServiceAccount string
	Image          string
	Port           int
	CPULimit       string
	MemoryLimit    string
}

// KubernetesRuntime serves each instance as a Pod fronted by a ClusterIP Service.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
}

// KubernetesHandle represents a predictor Pod and its Service. Both share one name.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	name      string
	endpoint  string
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRuntime creates a new Kubernetes-based runtime.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		log.Printf("In-cluster config not available, trying kubeconfig: %v", err)
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		log.Printf("Using kubeconfig: %s", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	return newKubernetesRuntime(clientset, cfg), nil
}

func newKubernetesRuntime(clientset kubernetes.Interface, cfg KubernetesConfig) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "500m"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "256Mi"
	}
	return &KubernetesRuntime{clientset: clientset, config: cfg}
}

func (k *KubernetesRuntime) Name() string { return "kubernetes" }

// Start creates the predictor Pod and its Service.
func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	name := instanceName(opts.Name)
	labels := map[string]string{
		managedByLabel: "modelplane",
		instanceLabel:  name,
	}

	var envVars []corev1.EnvVar
	for key, value := range opts.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	probe := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{Path: "/readyz", Port: intstr.FromInt32(int32(k.config.Port))},
		},
		PeriodSeconds: 2,
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  predictorContainer,
					Image: k.config.Image,
					Args:  predictorArgs(opts, "", k.config.Port),
					Env:   envVars,
					Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: int32(k.config.Port)}},
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(k.config.CPULimit),
							corev1.ResourceMemory: resource.MustParse(k.config.MemoryLimit),
						},
					},
					ReadinessProbe: probe,
				},
			},
		},
	}
	if k.config.ServiceAccount != "" {
		pod.Spec.ServiceAccountName = k.config.ServiceAccount
	}

	if _, err := k.clientset.CoreV1().Pods(k.config.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create predictor pod: %w", err)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{instanceLabel: name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(k.config.Port),
				TargetPort: intstr.FromString("http"),
			}},
		},
	}
	if _, err := k.clientset.CoreV1().Services(k.config.Namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		// Don't leave an unreachable pod behind.
		_ = k.clientset.CoreV1().Pods(k.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
		return nil, fmt.Errorf("failed to create predictor service: %w", err)
	}

	log.Printf("Created predictor pod and service %s in namespace %s", name, k.config.Namespace)

	return &KubernetesHandle{
		clientset: k.clientset,
		namespace: k.config.Namespace,
		name:      name,
		endpoint:  fmt.Sprintf("http://%s.%s.svc:%d", name, k.config.Namespace, k.config.Port),
	}, nil
}

// Attach returns a handle for an existing instance. ref is the pod/service name.
func (k *KubernetesRuntime) Attach(ctx context.Context, ref string) (Handle, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownRef)
	}
	return &KubernetesHandle{clientset: k.clientset, namespace: k.config.Namespace, name: ref}, nil
}

func (h *KubernetesHandle) Ref() string      { return h.name }
func (h *KubernetesHandle) Endpoint() string { return h.endpoint }

// Wait blocks until the predictor pod terminates or disappears.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", h.name),
	})
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
			}
			switch event.Type {
			case watch.Error:
				err := fmt.Errorf("watch error")
				return ExitResult{ExitCode: -1, Error: err}, err
			case watch.Deleted:
				return ExitResult{ExitCode: -1, Error: fmt.Errorf("pod %s deleted", h.name)}, nil
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if res, done := podExit(pod); done {
				return res, nil
			}
		}
	}
}

// podExit reports whether pod has terminated and how.
func podExit(pod *corev1.Pod) (ExitResult, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return ExitResult{ExitCode: 0}, true
	case corev1.PodFailed:
		res := ExitResult{ExitCode: -1}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == predictorContainer && cs.State.Terminated != nil {
				res.ExitCode = int(cs.State.Terminated.ExitCode)
				if cs.State.Terminated.Reason != "" {
					res.Error = fmt.Errorf("%s", cs.State.Terminated.Reason)
				}
			}
		}
		return res, true
	}
	return ExitResult{}, false
}

// Stop deletes the Service and the Pod. Missing objects are ignored.
func (h *KubernetesHandle) Stop(ctx context.Context) error {
	err := h.clientset.CoreV1().Services(h.namespace).Delete(ctx, h.name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete service %s: %w", h.name, err)
	}
	err = h.clientset.CoreV1().Pods(h.namespace).Delete(ctx, h.name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", h.name, err)
	}
	log.Printf("Deleted predictor %s", h.name)
	return nil
}

// StreamLogs returns a reader for the predictor container logs.
func (h *KubernetesHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.name, &corev1.PodLogOptions{
		Container: predictorContainer,
		Follow:    true,
	})
	return req.Stream(ctx)
}
