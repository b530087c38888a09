package runtime

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const serviceAccountNamespace = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// KubernetesConfig selects the cluster and namespace jobs are created in.
// An empty Host means the worker runs inside the cluster.
type KubernetesConfig struct {
	Host             string
	Token            string
	Namespace        string
	JobsCount        int32
	SecureConnection bool
}

// KubernetesRuntime runs containers as Kubernetes Jobs.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	namespace string
	jobsCount int32
	logger    zerolog.Logger
}

// KubernetesFactory builds a runtime for one cluster. Tasks that carry their
// own cluster settings get a runtime each.
type KubernetesFactory func(cfg KubernetesConfig, logger zerolog.Logger) (Runtime, error)

// NewKubernetes is the KubernetesFactory backed by NewKubernetesRuntime.
func NewKubernetes(cfg KubernetesConfig, logger zerolog.Logger) (Runtime, error) {
	return NewKubernetesRuntime(cfg, logger)
}

// NewKubernetesRuntime builds a clientset from explicit settings, falling back
// to the in-cluster service account when no host is given.
func NewKubernetesRuntime(cfg KubernetesConfig, logger zerolog.Logger) (*KubernetesRuntime, error) {
	var restCfg *rest.Config
	if cfg.Host == "" {
		inCluster, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("loading in-cluster config: %w", err)
		}
		restCfg = inCluster
		if cfg.Namespace == "" {
			if ns, err := os.ReadFile(serviceAccountNamespace); err == nil {
				cfg.Namespace = strings.TrimSpace(string(ns))
			}
		}
	} else {
		restCfg = &rest.Config{
			Host:        cfg.Host,
			BearerToken: cfg.Token,
			TLSClientConfig: rest.TLSClientConfig{
				Insecure: !cfg.SecureConnection,
			},
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes clientset: %w", err)
	}
	return NewKubernetesRuntimeWithClient(clientset, cfg, logger), nil
}

// NewKubernetesRuntimeWithClient wraps an existing clientset.
func NewKubernetesRuntimeWithClient(clientset kubernetes.Interface, cfg KubernetesConfig, logger zerolog.Logger) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.JobsCount < 1 {
		cfg.JobsCount = 1
	}
	return &KubernetesRuntime{
		clientset: clientset,
		namespace: cfg.Namespace,
		jobsCount: cfg.JobsCount,
		logger:    logger,
	}
}

// Start creates a Job running JobsCount pods of the container.
func (k *KubernetesRuntime) Start(ctx context.Context, spec ContainerSpec) (Handle, error) {
	jobName := "interceptor-" + uuid.New().String()[:8]

	containerName := dnsLabel(spec.Name)

	var env []corev1.EnvVar
	for key, value := range spec.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	var resources corev1.ResourceRequirements
	if spec.NanoCPUs > 0 || spec.MemoryBytes > 0 {
		list := corev1.ResourceList{}
		if spec.NanoCPUs > 0 {
			list[corev1.ResourceCPU] = *resource.NewMilliQuantity(spec.NanoCPUs/1_000_000, resource.DecimalSI)
		}
		if spec.MemoryBytes > 0 {
			list[corev1.ResourceMemory] = *resource.NewQuantity(spec.MemoryBytes, resource.BinarySI)
		}
		resources.Limits = list
		resources.Requests = list.DeepCopy()
	}

	count := k.jobsCount
	ttl := int32(10)
	runAsRoot := int64(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: k.namespace,
			Labels:    map[string]string{"app": "interceptor"},
		},
		Spec: batchv1.JobSpec{
			Completions:             &count,
			Parallelism:             &count,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":      "interceptor",
						"job-name": jobName,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:      containerName,
						Image:     spec.Image,
						Args:      spec.Command,
						Env:       env,
						Resources: resources,
						SecurityContext: &corev1.SecurityContext{
							RunAsUser:  &runAsRoot,
							RunAsGroup: &runAsRoot,
						},
					}},
				},
			},
		},
	}

	created, err := k.clientset.BatchV1().Jobs(k.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes job: %w", err)
	}

	k.logger.Info().Str("job", created.Name).Str("namespace", k.namespace).Msg("kubernetes job created")

	return &KubernetesHandle{
		clientset: k.clientset,
		namespace: k.namespace,
		jobName:   created.Name,
		status:    StatusStarting,
	}, nil
}

var dnsUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// dnsLabel turns a container name into a valid RFC 1123 label.
func dnsLabel(name string) string {
	label := dnsUnsafe.ReplaceAllString(strings.ToLower(name), "-")
	if len(label) > 63 {
		label = label[:63]
	}
	label = strings.Trim(label, "-")
	if label == "" {
		return "job"
	}
	return label
}

// KubernetesHandle is a Job created by KubernetesRuntime.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	status    Status
}

func (h *KubernetesHandle) ID() string     { return h.jobName }
func (h *KubernetesHandle) Status() Status { return h.status }

// Refresh treats the job as exited once all completions succeeded or any pod
// failed.
func (h *KubernetesHandle) Refresh(ctx context.Context) (Status, error) {
	job, err := h.clientset.BatchV1().Jobs(h.namespace).Get(ctx, h.jobName, metav1.GetOptions{})
	if err != nil {
		return StatusUnknown, fmt.Errorf("reading job %s: %w", h.jobName, err)
	}

	completions := int32(1)
	if job.Spec.Completions != nil {
		completions = *job.Spec.Completions
	}

	switch {
	case job.Status.Succeeded >= completions, job.Status.Failed > 0:
		h.status = StatusExited
	case job.Status.Active > 0:
		h.status = StatusRunning
	default:
		h.status = StatusStarting
	}
	return h.status, nil
}

func (h *KubernetesHandle) Stats(ctx context.Context) (Stats, error) {
	return Stats{}, ErrNotSupported
}

// Tail collects the last n lines of every pod of the job, prefixed with the
// runner index. Pods still pending are skipped. A pod whose logs cannot be
// read yields ErrLogsUnavailable.
func (h *KubernetesHandle) Tail(ctx context.Context, n int) ([]string, error) {
	pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + h.jobName,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing pods of %s: %v", ErrLogsUnavailable, h.jobName, err)
	}

	tail := int64(n)
	var lines []string
	for idx, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodPending {
			continue
		}
		raw, err := h.clientset.CoreV1().Pods(h.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			TailLines: &tail,
		}).DoRaw(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: pod %s: %v", ErrLogsUnavailable, pod.Name, err)
		}
		for _, line := range splitLines(string(raw)) {
			lines = append(lines, fmt.Sprintf("[runner %d] %s", idx+1, line))
		}
	}
	return lines, nil
}

// Stop deletes the job with foreground propagation so its pods go with it.
func (h *KubernetesHandle) Stop(ctx context.Context, grace time.Duration) error {
	propagation := metav1.DeletePropagationForeground
	graceSeconds := int64(grace.Seconds())
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		GracePeriodSeconds: &graceSeconds,
		PropagationPolicy:  &propagation,
	})
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", h.jobName, err)
	}
	return nil
}

// Remove deletes a job that has not finished, so a run abandoned by its
// monitor does not keep going untracked. Finished jobs are collected by their
// TTL.
func (h *KubernetesHandle) Remove(ctx context.Context) error {
	if h.status == StatusExited {
		return nil
	}
	propagation := metav1.DeletePropagationForeground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting job %s: %w", h.jobName, err)
	}
	return nil
}
