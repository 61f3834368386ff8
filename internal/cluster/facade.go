// Package cluster is the typed façade over the Kubernetes API used by
// the rest of the Pod Orchestrator, built on the k8s.io/client-go typed
// clients.
package cluster

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	poerrors "github.com/flame-hub/pod-orchestrator/internal/errors"
)

// Ports used throughout the composed resources.
const (
	AnalysisContainerPort = 8000
	ProxyContainerPort    = 80
	ResultServicePort     = 8080
	HubAdapterPort        = 5000
)

// Labels applied to every PO-owned resource.
const (
	ComponentAnalysis      = "flame-analysis"
	ComponentAnalysisNginx = "flame-analysis-nginx"
	ComponentNetworkPolicy = "flame-nginx-to-analysis-policy"
	ComponentConfigMap     = "flame-nginx-analysis-config-map"
)

// EnvVar is one entry of an ordered environment mapping; order is
// preserved end to end so that rendered manifests are deterministic.
type EnvVar struct {
	Name  string
	Value string
}

// PodStatus summarizes a single pod's readiness for the reconciler's
// slow-vs-k8s classification.
type PodStatus struct {
	Ready   bool
	Reason  string
	Message string
}

// Facade wraps a Kubernetes clientset with the operations the Composer and
// Reconciler need.
type Facade struct {
	client kubernetes.Interface
}

// New constructs a Facade over an already-configured clientset.
func New(client kubernetes.Interface) *Facade {
	return &Facade{client: client}
}

func analysisLabels(name string) map[string]string {
	return map[string]string{"app": name, "component": ComponentAnalysis}
}

func nginxName(analysisName string) string {
	return "nginx-" + analysisName
}

func nginxLabels(analysisName string) map[string]string {
	return map[string]string{"app": nginxName(analysisName), "component": ComponentAnalysisNginx}
}

// CreateImagePullCredential idempotently creates a docker-registry Secret.
// On conflict it deletes and recreates once; a second conflict is
// surfaced as ErrConflict.
func (f *Facade) CreateImagePullCredential(ctx context.Context, registry, user, password, name, namespace string) error {
	build := func() *corev1.Secret {
		dockerCfg := fmt.Sprintf(`{"auths":{%q:{"username":%q,"password":%q,"auth":%q}}}`,
			registry, user, password, basicAuth(user, password))
		return &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
			Type:       corev1.SecretTypeDockerConfigJson,
			Data: map[string][]byte{
				corev1.DockerConfigJsonKey: []byte(dockerCfg),
			},
		}
	}

	_, err := f.client.CoreV1().Secrets(namespace).Create(ctx, build(), metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create image pull secret %s: %w", name, err)
	}

	// Idempotent: delete and recreate.
	if derr := f.client.CoreV1().Secrets(namespace).Delete(ctx, name, metav1.DeleteOptions{}); derr != nil && !apierrors.IsNotFound(derr) {
		return fmt.Errorf("delete stale image pull secret %s: %w", name, derr)
	}
	if _, err := f.client.CoreV1().Secrets(namespace).Create(ctx, build(), metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("%w: secret %s still conflicts after recreate", poerrors.ErrConflict, name)
		}
		return fmt.Errorf("recreate image pull secret %s: %w", name, err)
	}
	return nil
}

func basicAuth(user, password string) string {
	return user + ":" + password
}

// CreateAnalysisDeployment creates the single-container analysis Deployment
// and returns the initial set of pod names scheduled under its label.
func (f *Facade) CreateAnalysisDeployment(ctx context.Context, name, image string, env []EnvVar, namespace string) ([]string, error) {
	replicas := int32(1)
	envVars := make([]corev1.EnvVar, 0, len(env))
	for _, e := range env {
		envVars = append(envVars, corev1.EnvVar{Name: e.Name, Value: e.Value})
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    analysisLabels(name),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: analysisLabels(name)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:            "analysis",
							Image:           image,
							ImagePullPolicy: corev1.PullIfNotPresent,
							Ports: []corev1.ContainerPort{
								{Name: "analysis", ContainerPort: AnalysisContainerPort, Protocol: corev1.ProtocolTCP},
							},
							Env: envVars,
						},
					},
				},
			},
		},
	}

	if _, err := f.client.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("create analysis deployment %s: %w", name, err)
	}

	return f.waitForInitialPods(ctx, name, namespace)
}

// waitForInitialPods polls for pods scheduled under app=name, stopping as
// soon as at least one name is observed or the context is cancelled.
func (f *Facade) waitForInitialPods(ctx context.Context, name, namespace string) ([]string, error) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pods, err := f.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: "app=" + name})
		if err != nil {
			return nil, fmt.Errorf("list pods for %s: %w", name, err)
		}
		if len(pods.Items) > 0 {
			names := make([]string, 0, len(pods.Items))
			for _, p := range pods.Items {
				names = append(names, p.Name)
			}
			return names, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateService creates a ClusterIP Service selecting app=selector, mapping
// port to targetPort.
func (f *Facade) CreateService(ctx context.Context, name, selector, namespace string, port, targetPort int32, labels map[string]string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": selector},
			Ports: []corev1.ServicePort{
				{Port: port, TargetPort: intstr.FromInt32(targetPort), Protocol: corev1.ProtocolTCP},
			},
		},
	}
	_, err := f.client.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create service %s: %w", name, err)
	}
	return nil
}

// ListResources lists names of resources of the given kind matching a
// label selector. kind ∈ {deployment, pod, service, networkpolicy, configmap}.
func (f *Facade) ListResources(ctx context.Context, kind, labelSelector, namespace string) ([]string, error) {
	opts := metav1.ListOptions{LabelSelector: labelSelector}
	var names []string

	switch kind {
	case "deployment":
		list, err := f.client.AppsV1().Deployments(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, d := range list.Items {
			names = append(names, d.Name)
		}
	case "pod":
		list, err := f.client.CoreV1().Pods(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, p := range list.Items {
			names = append(names, p.Name)
		}
	case "service":
		list, err := f.client.CoreV1().Services(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, s := range list.Items {
			names = append(names, s.Name)
		}
	case "networkpolicy":
		list, err := f.client.NetworkingV1().NetworkPolicies(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, np := range list.Items {
			names = append(names, np.Name)
		}
	case "configmap":
		list, err := f.client.CoreV1().ConfigMaps(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, cm := range list.Items {
			names = append(names, cm.Name)
		}
	default:
		return nil, fmt.Errorf("list resources: unknown kind %q", kind)
	}

	return names, nil
}

// FilterBySubstring keeps only names containing substr, returning the
// shortest match first (used for picking the most specific resource name).
func FilterBySubstring(names []string, substr string) []string {
	var out []string
	for _, n := range names {
		if strings.Contains(n, substr) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) < len(out[j]) })
	return out
}

// GetPodStatus returns readiness info for every pod labeled app=deploymentName.
func (f *Facade) GetPodStatus(ctx context.Context, deploymentName, namespace string) (map[string]PodStatus, error) {
	pods, err := f.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: "app=" + deploymentName})
	if err != nil {
		return nil, fmt.Errorf("list pods for %s: %w", deploymentName, err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}

	out := make(map[string]PodStatus, len(pods.Items))
	for _, pod := range pods.Items {
		status := PodStatus{}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady {
				status.Ready = cond.Status == corev1.ConditionTrue
				status.Reason = cond.Reason
				status.Message = cond.Message
			}
		}
		if !status.Ready && pod.Status.Reason != "" {
			status.Reason = pod.Status.Reason
		}
		out[pod.Name] = status
	}
	return out, nil
}

// GetLogs returns sanitized (printable-only) log lines for pods labeled
// app=name, optionally filtered to podIDs.
func (f *Facade) GetLogs(ctx context.Context, name string, podIDs []string, namespace string) ([]string, error) {
	pods, err := f.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: "app=" + name})
	if err != nil {
		return nil, fmt.Errorf("list pods for %s: %w", name, err)
	}

	allowed := map[string]bool{}
	for _, id := range podIDs {
		allowed[id] = true
	}

	var lines []string
	for _, pod := range pods.Items {
		if len(allowed) > 0 && !allowed[pod.Name] {
			continue
		}
		req := f.client.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{})
		stream, err := req.Stream(ctx)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(stream)
		for scanner.Scan() {
			lines = append(lines, sanitizePrintable(scanner.Text()))
		}
		stream.Close()
	}
	return lines, nil
}

func sanitizePrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x20 && r < 0x7f || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// deleteResource deletes one named object of a kind, tolerating NotFound.
func (f *Facade) deleteResource(ctx context.Context, kind, name, namespace string) error {
	var err error
	switch kind {
	case "deployment":
		err = f.client.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case "service":
		err = f.client.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case "configmap":
		err = f.client.CoreV1().ConfigMaps(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case "networkpolicy":
		err = f.client.NetworkingV1().NetworkPolicies(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	case "pod":
		err = f.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	default:
		return fmt.Errorf("delete resource: unknown kind %q", kind)
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete %s %s: %w", kind, name, err)
	}
	return nil
}

// DeleteResource deletes one named object of a kind, tolerating NotFound.
// kind ∈ {deployment, pod, service, networkpolicy, configmap}.
func (f *Facade) DeleteResource(ctx context.Context, kind, name, namespace string) error {
	return f.deleteResource(ctx, kind, name, namespace)
}

// DeletePod deletes a single pod by name, tolerating NotFound.
func (f *Facade) DeletePod(ctx context.Context, name, namespace string) error {
	return f.deleteResource(ctx, "pod", name, namespace)
}

// DeleteGeneration removes the full five-resource unit for one generation.
// Missing resources are not errors.
func (f *Facade) DeleteGeneration(ctx context.Context, deploymentName, namespace string) error {
	nginx := nginxName(deploymentName)
	steps := []struct{ kind, name string }{
		{"deployment", deploymentName},
		{"service", deploymentName},
		{"deployment", nginx},
		{"service", nginx},
		{"configmap", nginx + "-config"},
		{"networkpolicy", deploymentName + "-policy"},
	}
	for _, s := range steps {
		if err := f.deleteResource(ctx, s.kind, s.name, namespace); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAnalysisPods deletes the analysis pods for a generation so the
// Deployment can reschedule fresh ones; used by rebuild/recycle.
func (f *Facade) DeleteAnalysisPods(ctx context.Context, deploymentName, namespace string) error {
	pods, err := f.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: "app=" + deploymentName})
	if err != nil {
		return fmt.Errorf("list analysis pods for %s: %w", deploymentName, err)
	}
	for _, pod := range pods.Items {
		if err := f.deleteResource(ctx, "pod", pod.Name, namespace); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSidecarHalf removes the proxy Deployment/Service/ConfigMap/
// NetworkPolicy for a generation, leaving the analysis Deployment in place.
func (f *Facade) DeleteSidecarHalf(ctx context.Context, deploymentName, namespace string) error {
	nginx := nginxName(deploymentName)
	steps := []struct{ kind, name string }{
		{"deployment", nginx},
		{"service", nginx},
		{"configmap", nginx + "-config"},
		{"networkpolicy", deploymentName + "-policy"},
	}
	for _, s := range steps {
		if err := f.deleteResource(ctx, s.kind, s.name, namespace); err != nil {
			return err
		}
	}
	return nil
}

// networkPolicy builds the NetworkPolicy restricting an analysis's pods to
// the proxy and cluster DNS only.
func networkPolicy(deploymentName, namespace string) *networkingv1.NetworkPolicy {
	analysisSelector := metav1.LabelSelector{MatchLabels: map[string]string{"app": deploymentName}}
	nginxSelector := metav1.LabelSelector{MatchLabels: map[string]string{"app": nginxName(deploymentName)}}
	dnsSelector := metav1.LabelSelector{MatchLabels: map[string]string{"k8s-app": "kube-dns"}}
	kubeSystem := metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"}}

	policyTypes := []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress}

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      deploymentName + "-policy",
			Namespace: namespace,
			Labels:    map[string]string{"component": ComponentNetworkPolicy},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: analysisSelector,
			PolicyTypes: policyTypes,
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{From: []networkingv1.NetworkPolicyPeer{{PodSelector: &nginxSelector}}},
			},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{To: []networkingv1.NetworkPolicyPeer{{PodSelector: &nginxSelector}}},
				{To: []networkingv1.NetworkPolicyPeer{{PodSelector: &dnsSelector, NamespaceSelector: &kubeSystem}}},
			},
		},
	}
}
