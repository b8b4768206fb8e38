package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const managedByLabel = "app.kubernetes.io/managed-by"

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where jobs will be created
	Namespace string
	// ServiceAccount for job pods (optional)
	ServiceAccount string
	// Image every job pod runs
	Image string
}

// KubernetesRuntime implements the Runtime interface using Kubernetes Jobs.
// Job directories are mounted with hostPath volumes, so the runner and the
// pods must share the node filesystem (single-node clusters or a shared mount).
// The pid ceiling is enforced by the kubelet's pod pid limit, not per job.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
}

// KubernetesHandle represents a running Kubernetes Job.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	policy    string // NetworkPolicy created for the job, if any
	podName   string // Populated after pod starts

	mu       sync.Mutex
	finished bool
	result   ExitResult
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
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Image == "" {
		return nil, errors.New("kubernetes runtime requires an image")
	}

	return &KubernetesRuntime{
		clientset: clientset,
		config:    cfg,
	}, nil
}

// jobName derives a DNS-1123 compliant object name from the job id.
func jobName(jobID string) string {
	name := "coderunner-" + strings.ToLower(jobID)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

func resourceLimits(l Limits) corev1.ResourceList {
	limits := corev1.ResourceList{}
	if l.CPUs > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(l.CPUs*1000), resource.DecimalSI)
	}
	if l.MemoryMB > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(int64(l.MemoryMB)<<20, resource.BinarySI)
	}
	return limits
}

// buildJob renders the Job for opts. Code and input are read-only hostPath
// mounts, the output directory is the only writable one besides /tmp.
func (k *KubernetesRuntime) buildJob(name string, opts StartOptions) *batchv1.Job {
	var envVars []corev1.EnvVar
	for key, value := range opts.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	var (
		volumes []corev1.Volume
		mounts  []corev1.VolumeMount
	)
	dirType := corev1.HostPathDirectory
	for _, m := range []struct {
		name     string
		path     string
		readOnly bool
	}{
		{"code", opts.WorkDir, true},
		{"input", opts.InputDir, true},
		{"artifacts", opts.OutputDir, false},
	} {
		if m.path == "" {
			continue
		}
		volumes = append(volumes, corev1.Volume{
			Name:         m.name,
			VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: m.path, Type: &dirType}},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: m.name, MountPath: m.path, ReadOnly: m.readOnly})
	}
	volumes = append(volumes, corev1.Volume{
		Name:         "tmp",
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	})
	mounts = append(mounts, corev1.VolumeMount{Name: "tmp", MountPath: "/tmp"})

	noEscalation := false
	readOnlyRoot := true
	backoffLimit := int32(0) // The runner decides the outcome; never retry.
	labels := map[string]string{
		"job-name":     name,
		managedByLabel: "coderunner",
		JobIDLabel:     opts.JobID,
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					AutomountServiceAccountToken: &noEscalation,
					Volumes:                      volumes,
					Containers: []corev1.Container{
						{
							Name:         "job",
							Image:        k.config.Image,
							Command:      opts.Command,
							WorkingDir:   opts.WorkDir,
							Env:          envVars,
							VolumeMounts: mounts,
							Resources:    corev1.ResourceRequirements{Limits: resourceLimits(opts.Limits)},
							SecurityContext: &corev1.SecurityContext{
								AllowPrivilegeEscalation: &noEscalation,
								ReadOnlyRootFilesystem:   &readOnlyRoot,
								Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
							},
						},
					},
				},
			},
		},
	}

	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}
	return job
}

// denyAllPolicy selects only the job's pod and allows no traffic in either direction.
func denyAllPolicy(name, namespace string) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{managedByLabel: "coderunner"},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"job-name": name}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
		},
	}
}

// Start implements Runtime.Start by creating a Kubernetes Job.
func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("no command specified")
	}
	name := jobName(opts.JobID)

	h := &KubernetesHandle{
		clientset: k.clientset,
		namespace: k.config.Namespace,
		jobName:   name,
	}

	// The policy must exist before the pod so it never runs unrestricted.
	if !opts.Limits.AllowNetwork {
		policy := denyAllPolicy(name, k.config.Namespace)
		if _, err := k.clientset.NetworkingV1().NetworkPolicies(k.config.Namespace).Create(ctx, policy, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create network policy: %w", err)
		}
		h.policy = name
	}

	createdJob, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, k.buildJob(name, opts), metav1.CreateOptions{})
	if err != nil {
		_ = h.Cleanup(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}

	h.jobName = createdJob.Name
	return h, nil
}

// podResult maps a finished pod to an exit result. ok is false while the pod runs.
func podResult(pod *corev1.Pod) (ExitResult, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return ExitResult{ExitCode: 0}, true
	case corev1.PodFailed:
		result := ExitResult{ExitCode: -1}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				result.ExitCode = int(cs.State.Terminated.ExitCode)
				if cs.State.Terminated.Reason != "" && cs.State.Terminated.Reason != "Error" {
					result.Error = errors.New(cs.State.Terminated.Reason)
				}
				break
			}
		}
		return result, true
	}
	return ExitResult{}, false
}

func (h *KubernetesHandle) finish(result ExitResult) (ExitResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	h.result = result
	return result, nil
}

// Wait blocks until the job's pod completes and returns the result.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	h.mu.Lock()
	if h.finished {
		defer h.mu.Unlock()
		return h.result, nil
	}
	h.mu.Unlock()

	podName, err := h.waitForPod(ctx)
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}

	pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, podName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return h.finish(ExitResult{ExitCode: 137, Error: errors.New("pod deleted")})
	}
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}
	if result, done := podResult(pod); done {
		return h.finish(result)
	}

	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector:   fmt.Sprintf("metadata.name=%s", podName),
		ResourceVersion: pod.ResourceVersion,
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
				err := errors.New("pod watch closed")
				return ExitResult{ExitCode: -1, Error: err}, err
			}
			if event.Type == watch.Error {
				err := errors.New("watch error")
				return ExitResult{ExitCode: -1, Error: err}, err
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if result, done := podResult(pod); done {
				return h.finish(result)
			}
			if event.Type == watch.Deleted {
				return h.finish(ExitResult{ExitCode: 137, Error: errors.New("pod deleted")})
			}
		}
	}
}

// waitForPod waits for the job's pod to be created and returns its name.
func (h *KubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	h.mu.Lock()
	if h.podName != "" {
		defer h.mu.Unlock()
		return h.podName, nil
	}
	h.mu.Unlock()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
		})
		if err != nil {
			return "", err
		}
		if len(pods.Items) > 0 {
			h.mu.Lock()
			h.podName = pods.Items[0].Name
			h.mu.Unlock()
			return pods.Items[0].Name, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop deletes the Kubernetes Job and its pod immediately.
func (h *KubernetesHandle) Stop(ctx context.Context) error {
	propagation := metav1.DeletePropagationForeground
	grace := int64(0)
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy:  &propagation,
		GracePeriodSeconds: &grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", h.jobName, err)
	}
	return nil
}

// StreamLogs returns a reader for the job's pod logs.
func (h *KubernetesHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	podName, err := h.waitForPod(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find pod for job %s: %w", h.jobName, err)
	}

	if err := h.waitForContainerReady(ctx, podName); err != nil {
		return nil, err
	}

	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: "job",
		Follow:    true,
	})
	return req.Stream(ctx)
}

// Cleanup deletes the Job (if still present) and the job's NetworkPolicy.
func (h *KubernetesHandle) Cleanup(ctx context.Context) error {
	var errs []error

	propagation := metav1.DeletePropagationBackground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("failed to delete job %s: %w", h.jobName, err))
	}

	if h.policy != "" {
		err := h.clientset.NetworkingV1().NetworkPolicies(h.namespace).Delete(ctx, h.policy, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to delete network policy %s: %w", h.policy, err))
		}
	}
	return errors.Join(errs...)
}

// waitForContainerReady waits for the container to start (or complete).
func (h *KubernetesHandle) waitForContainerReady(ctx context.Context, podName string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
