// Package k8s builds the Kubernetes client used by the workload watcher and
// cluster-mode cancellation.
package k8s

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClient returns a clientset from, in order: the given kubeconfig path,
// $KUBECONFIG, ~/.kube/config, or the in-cluster service account when no
// kubeconfig file exists.
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	if _, err := os.Stat(kubeconfig); os.IsNotExist(err) {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("no kubeconfig at %s and not in-cluster: %w", kubeconfig, err)
		}
		log.Println("[k8s] using in-cluster config (no kubeconfig file found)")
		return kubernetes.NewForConfig(config)
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig %s: %w", kubeconfig, err)
	}
	return kubernetes.NewForConfig(config)
}
