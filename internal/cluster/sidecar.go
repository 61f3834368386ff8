package cluster

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// Discovery labels used to find the platform services an analysis's proxy
// needs to reach.
const (
	labelMessageBroker   = "component=flame-message-broker"
	labelPodOrchestrator = "component=flame-po"
	labelHubAdapter      = "component=flame-hub-adapter"
	labelKongProxy       = "app.kubernetes.io/name=kong"
	labelResultService   = "component=flame-result-service"
)

// discoverServiceName polls for a single Service matching labelSelector,
// returning as soon as one is observed. There is no deadline; callers
// bound it with ctx.
func (f *Facade) discoverServiceName(ctx context.Context, labelSelector, namespace string) (string, error) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		names, err := f.ListResources(ctx, "service", labelSelector, namespace)
		if err != nil {
			return "", fmt.Errorf("discover service %q: %w", labelSelector, err)
		}
		if len(names) > 0 {
			return names[0], nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// discoverPodIP polls for a single pod matching labelSelector and returns
// its pod IP once scheduled.
func (f *Facade) discoverPodIP(ctx context.Context, labelSelector, namespace string) (string, error) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pods, err := f.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
		if err != nil {
			return "", fmt.Errorf("discover pod %q: %w", labelSelector, err)
		}
		for _, p := range pods.Items {
			if p.Status.PodIP != "" {
				return p.Status.PodIP, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// nginxConfParams is the data the nginx.conf template needs, one field
// per routing rule.
type nginxConfParams struct {
	NginxPort           int
	AnalysisServiceName string
	AnalysisIP          string
	MessageBrokerIP     string
	POPodIP             string
	MessageBrokerSvc    string
	ResultServiceName   string
	HubAdapterSvc       string
	KongProxyName       string
	POServiceName       string
	ProjectID           string
	AnalysisID          string
}

var nginxConfTemplate = template.Must(template.New("nginx.conf").Parse(`worker_processes 1;
events { worker_connections 1024; }
http {
    sendfile on;

    server {
        listen {{.NginxPort}};

        client_max_body_size 0;
        chunked_transfer_encoding on;

        proxy_redirect off;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;

        location /healthz {
            return 200 'healthy';
        }

        location /kong {
            rewrite     ^/kong(/.*) $1 break;
            proxy_pass  http://{{.KongProxyName}};
            allow       {{.AnalysisIP}};
            deny        all;
        }

        location ~ ^/storage/(final|local|intermediate)/ {
            rewrite     ^/storage(/.*) $1 break;
            proxy_pass http://{{.ResultServiceName}}:8080;
            allow       {{.AnalysisIP}};
            deny        all;
        }

        location /hub-adapter/kong/datastore/{{.ProjectID}} {
            rewrite     ^/hub-adapter(/.*) $1 break;
            proxy_pass http://{{.HubAdapterSvc}}:5000;
            allow       {{.AnalysisIP}};
            deny        all;
        }

        location ~ ^/message-broker/analyses/{{.AnalysisID}}/participants(|/self) {
            rewrite     ^/message-broker(/.*) $1 break;
            proxy_pass  http://{{.MessageBrokerSvc}};
            allow       {{.AnalysisIP}};
            deny        all;
        }

        location ~ ^/message-broker/analyses/{{.AnalysisID}}/messages(|/subscriptions) {
            rewrite     ^/message-broker(/.*) $1 break;
            proxy_pass  http://{{.MessageBrokerSvc}};
            allow       {{.AnalysisIP}};
            deny        all;
        }

        location /message-broker/healthz {
            rewrite     ^/message-broker(/.*) $1 break;
            proxy_pass  http://{{.MessageBrokerSvc}};
            allow       {{.AnalysisIP}};
            deny        all;
        }

        location /po/stream_logs {
            proxy_pass  http://{{.POServiceName}}:8000;
            allow       {{.AnalysisIP}};
            deny        all;
            proxy_connect_timeout 10s;
            proxy_send_timeout    120s;
            proxy_read_timeout    120s;
            send_timeout          120s;
        }

        location /analysis {
            rewrite     ^/analysis(/.*) $1 break;
            proxy_pass  http://{{.AnalysisServiceName}};
            allow       {{.MessageBrokerIP}};
            allow       {{.POPodIP}};
            deny        all;
        }
    }
}
`))

func renderNginxConf(p nginxConfParams) (string, error) {
	var buf bytes.Buffer
	if err := nginxConfTemplate.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("render nginx.conf: %w", err)
	}
	return buf.String(), nil
}

// CreateSidecarConfigMap discovers the platform services an analysis's
// proxy needs and renders the ConfigMap carrying its nginx.conf.
func (f *Facade) CreateSidecarConfigMap(ctx context.Context, analysisName, analysisServiceName, projectID, analysisID, namespace string) (string, error) {
	messageBrokerSvc, err := f.discoverServiceName(ctx, labelMessageBroker, namespace)
	if err != nil {
		return "", fmt.Errorf("discover message broker service: %w", err)
	}
	poServiceName, err := f.discoverServiceName(ctx, labelPodOrchestrator, namespace)
	if err != nil {
		return "", fmt.Errorf("discover pod orchestrator service: %w", err)
	}
	hubAdapterSvc, err := f.discoverServiceName(ctx, labelHubAdapter, namespace)
	if err != nil {
		return "", fmt.Errorf("discover hub adapter service: %w", err)
	}
	kongProxyName, err := f.discoverServiceName(ctx, labelKongProxy, namespace)
	if err != nil {
		return "", fmt.Errorf("discover kong proxy service: %w", err)
	}
	resultServiceName, err := f.discoverServiceName(ctx, labelResultService, namespace)
	if err != nil {
		return "", fmt.Errorf("discover result service: %w", err)
	}
	analysisIP, err := f.discoverPodIP(ctx, "app="+analysisName, namespace)
	if err != nil {
		return "", fmt.Errorf("discover analysis pod ip: %w", err)
	}
	messageBrokerIP, err := f.discoverPodIP(ctx, labelMessageBroker, namespace)
	if err != nil {
		return "", fmt.Errorf("discover message broker pod ip: %w", err)
	}
	poPodIP, err := f.discoverPodIP(ctx, labelPodOrchestrator, namespace)
	if err != nil {
		return "", fmt.Errorf("discover pod orchestrator pod ip: %w", err)
	}

	conf, err := renderNginxConf(nginxConfParams{
		NginxPort:           ProxyContainerPort,
		AnalysisServiceName: analysisServiceName,
		AnalysisIP:          analysisIP,
		MessageBrokerIP:     messageBrokerIP,
		POPodIP:             poPodIP,
		MessageBrokerSvc:    messageBrokerSvc,
		ResultServiceName:   resultServiceName,
		HubAdapterSvc:       hubAdapterSvc,
		KongProxyName:       kongProxyName,
		POServiceName:       poServiceName,
		ProjectID:           projectID,
		AnalysisID:          analysisID,
	})
	if err != nil {
		return "", err
	}

	name := nginxName(analysisName) + "-config"
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"component": ComponentConfigMap},
		},
		Data: map[string]string{"nginx.conf": conf},
	}

	_, err = f.client.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return "", fmt.Errorf("create nginx config map %s: %w", name, err)
	}
	return name, nil
}

// CreateSidecar composes the proxy half of a generation: its ConfigMap,
// Deployment, Service and the NetworkPolicy isolating the analysis pod
// behind it. It returns the proxy Service name.
func (f *Facade) CreateSidecar(ctx context.Context, analysisName, analysisServiceName, projectID, analysisID, namespace string) (string, error) {
	configMapName, err := f.CreateSidecarConfigMap(ctx, analysisName, analysisServiceName, projectID, analysisID, namespace)
	if err != nil {
		return "", err
	}

	name := nginxName(analysisName)
	labels := nginxLabels(analysisName)
	replicas := int32(1)

	volName := "nginx-vol"
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:            name,
							Image:           "nginx:latest",
							ImagePullPolicy: corev1.PullAlways,
							Ports: []corev1.ContainerPort{
								{ContainerPort: ProxyContainerPort, Protocol: corev1.ProtocolTCP},
							},
							LivenessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/healthz",
										Port: intstr.FromInt32(ProxyContainerPort),
									},
								},
								InitialDelaySeconds: 15,
								PeriodSeconds:       20,
								FailureThreshold:    1,
								TimeoutSeconds:      5,
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: volName, MountPath: "/etc/nginx/nginx.conf", SubPath: "nginx.conf"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: volName,
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: configMapName},
									Items:                []corev1.KeyToPath{{Key: "nginx.conf", Path: "nginx.conf"}},
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := f.client.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return "", fmt.Errorf("create proxy deployment %s: %w", name, err)
	}

	if err := f.CreateService(ctx, name, name, namespace, ProxyContainerPort, ProxyContainerPort, labels); err != nil {
		return "", err
	}

	if err := f.CreateNetworkPolicy(ctx, analysisName, namespace); err != nil {
		return "", err
	}

	return name, nil
}

// CreateNetworkPolicy applies the NetworkPolicy isolating an analysis pod
// behind its proxy, tolerating AlreadyExists.
func (f *Facade) CreateNetworkPolicy(ctx context.Context, deploymentName, namespace string) error {
	np := networkPolicy(deploymentName, namespace)
	_, err := f.client.NetworkingV1().NetworkPolicies(namespace).Create(ctx, np, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create network policy for %s: %w", deploymentName, err)
	}
	return nil
}

// RebuildSidecar deletes and recreates the proxy half of a generation,
// refreshing the rendered nginx.conf against a new analysis pod IP
// without disturbing the analysis Deployment itself.
func (f *Facade) RebuildSidecar(ctx context.Context, analysisName, analysisServiceName, projectID, analysisID, namespace string) (string, error) {
	if err := f.DeleteSidecarHalf(ctx, analysisName, namespace); err != nil {
		return "", fmt.Errorf("delete sidecar half for %s: %w", analysisName, err)
	}
	return f.CreateSidecar(ctx, analysisName, analysisServiceName, projectID, analysisID, namespace)
}
