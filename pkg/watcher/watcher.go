// Package watcher keeps cluster-mode job status aligned with workload state
// on the cluster and triggers artifact ingestion when workloads finish.
package watcher

import (
	"bufio"
	"context"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/ghx-ops/console/pkg/events"
	"github.com/ghx-ops/console/pkg/store"
)

// LabelSelector scopes the watch to this orchestrator's manual workloads.
const LabelSelector = "app=gpu-inspection,job-type=manual"

// JobIDLabel carries the owning job id on each workload pod.
const JobIDLabel = "job-id"

const (
	backoffBase     = 1 * time.Second
	backoffCap      = 30 * time.Second
	maxWatchRetries = 10
	activePoll      = 10 * time.Second
	idlePoll        = 30 * time.Second
	resyncInterval  = 5 * time.Minute
)

// Watcher is the long-running subscriber. It tries the native event
// subscription first, falls back to a CLI watch, and finally to polling.
type Watcher struct {
	client      kubernetes.Interface
	namespace   string
	store       store.Store
	ingester    *store.Ingester
	bus         *events.Bus
	kubectlPath string
	stop        chan struct{}
}

// New wires a watcher. The CLI fallback runs "kubectl" from PATH.
func New(client kubernetes.Interface, namespace string, s store.Store, ingester *store.Ingester, bus *events.Bus) *Watcher {
	return &Watcher{
		client:      client,
		namespace:   namespace,
		store:       s,
		ingester:    ingester,
		bus:         bus,
		kubectlPath: "kubectl",
		stop:        make(chan struct{}),
	}
}

// Stop terminates the watcher loops.
func (w *Watcher) Stop() { close(w.stop) }

func (w *Watcher) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Run blocks until Stop. It walks the strategy ladder and also runs the
// periodic full re-sync.
func (w *Watcher) Run() {
	go w.resyncLoop()

	if w.client != nil {
		if w.nativeWatchLoop() {
			return
		}
		log.Printf("[watcher] native watch exhausted, falling back to CLI watch")
	}
	if w.cliWatchLoop() {
		return
	}
	log.Printf("[watcher] CLI watch unavailable, falling back to polling")
	w.pollLoop()
}

// MapPhase translates a workload phase (case-insensitive) to the internal
// status vocabulary. Unrecognized phases pass through.
func MapPhase(phase string, ready int) string {
	p := strings.ToLower(phase)
	switch {
	case strings.Contains(p, "pending"):
		return "Pending"
	case strings.Contains(p, "running") && ready >= 1:
		return "Running"
	case strings.Contains(p, "succeeded"), strings.Contains(p, "completed"):
		return "Completed"
	case strings.Contains(p, "failed"), strings.Contains(p, "error"), strings.Contains(p, "crashloop"):
		return "Failed"
	}
	return phase
}

// TerminalStatus reports whether a mapped status means the workload is done.
func TerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "succeeded", "failed":
		return true
	}
	return false
}

// nativeWatchLoop runs the client-go subscription with resume tokens and
// exponential back-off. Returns true when stopped, false when the retry
// budget is exhausted.
func (w *Watcher) nativeWatchLoop() bool {
	resourceVersion := ""
	failures := 0
	for {
		if w.stopped() {
			return true
		}
		wi, err := w.client.CoreV1().Pods(w.namespace).Watch(context.Background(), metav1.ListOptions{
			LabelSelector:   LabelSelector,
			ResourceVersion: resourceVersion,
		})
		if err != nil {
			failures++
			if failures >= maxWatchRetries {
				return false
			}
			delay := backoffBase << (failures - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			log.Printf("[watcher] watch connect failed (%d/%d): %v, retrying in %s", failures, maxWatchRetries, err, delay)
			select {
			case <-w.stop:
				return true
			case <-time.After(delay):
			}
			continue
		}

		disconnected := w.consume(wi, &resourceVersion)
		wi.Stop()
		if w.stopped() {
			return true
		}
		if disconnected {
			failures++
			if failures >= maxWatchRetries {
				return false
			}
		} else {
			failures = 0
		}
	}
}

// consume drains one watch connection. Returns true when the stream ended
// abnormally (error event or closed channel).
func (w *Watcher) consume(wi watch.Interface, resourceVersion *string) bool {
	for {
		select {
		case <-w.stop:
			return false
		case event, ok := <-wi.ResultChan():
			if !ok {
				return true
			}
			if event.Type == watch.Error {
				return true
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			*resourceVersion = pod.ResourceVersion
			if event.Type == watch.Modified || event.Type == watch.Added {
				w.reconcilePod(pod)
			}
		}
	}
}

// cliWatchLoop shells out to the orchestrator CLI and parses its
// human-readable rows. Returns true when stopped, false when the subprocess
// could not run or exited.
func (w *Watcher) cliWatchLoop() bool {
	cmd := exec.Command(w.kubectlPath, "get", "pods",
		"-n", w.namespace, "-l", LabelSelector,
		"--watch", "--no-headers")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false
	}
	if err := cmd.Start(); err != nil {
		log.Printf("[watcher] starting CLI watch failed: %v", err)
		return false
	}
	defer cmd.Process.Kill()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-w.stop:
			return true
		case line, ok := <-lines:
			if !ok {
				log.Printf("[watcher] CLI watch stream ended")
				return false
			}
			if name, status, ready := parseCLIRow(line); name != "" {
				w.reconcileByPodName(name, status, ready)
			}
		}
	}
}

// parseCLIRow splits one `get pods --watch` row: NAME READY STATUS ...
// ready is the number left of the slash in the READY column.
func parseCLIRow(line string) (name, status string, ready int) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", "", 0
	}
	name, status = fields[0], fields[2]
	if idx := strings.IndexByte(fields[1], '/'); idx > 0 {
		if n, err := strconv.Atoi(fields[1][:idx]); err == nil {
			ready = n
		}
	}
	return name, status, ready
}

// pollLoop is the last-resort strategy: list-and-reconcile at a cadence that
// tightens while jobs are active. It only exits on Stop.
func (w *Watcher) pollLoop() {
	for {
		if w.stopped() {
			return
		}
		active := w.reconcileAll()
		interval := idlePoll
		if active {
			interval = activePoll
		}
		select {
		case <-w.stop:
			return
		case <-time.After(interval):
		}
	}
}

func (w *Watcher) resyncLoop() {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.reconcileAll()
		}
	}
}

// reconcileAll lists the watched pods and reconciles each. It reports
// whether any tracked job is still non-terminal.
func (w *Watcher) reconcileAll() bool {
	if w.client == nil {
		return false
	}
	pods, err := w.client.CoreV1().Pods(w.namespace).List(context.Background(), metav1.ListOptions{
		LabelSelector: LabelSelector,
	})
	if err != nil {
		log.Printf("[watcher] listing pods failed: %v", err)
		return false
	}
	active := false
	for i := range pods.Items {
		pod := &pods.Items[i]
		mapped := w.reconcilePod(pod)
		if mapped != "" && !TerminalStatus(mapped) {
			active = true
		}
	}
	return active
}

func (w *Watcher) reconcileByPodName(podName, status string, ready int) {
	if w.client == nil {
		return
	}
	pod, err := w.client.CoreV1().Pods(w.namespace).Get(context.Background(), podName, metav1.GetOptions{})
	if err != nil {
		return
	}
	w.applyStatus(pod.Labels[JobIDLabel], MapPhase(status, ready), pod.Spec.NodeName)
}

// reconcilePod maps one pod's phase and applies it to the owning job.
func (w *Watcher) reconcilePod(pod *corev1.Pod) string {
	phase := string(pod.Status.Phase)
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && strings.Contains(strings.ToLower(cs.State.Waiting.Reason), "crashloop") {
			phase = cs.State.Waiting.Reason
			break
		}
	}
	ready := 0
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Ready {
			ready++
		}
	}
	mapped := MapPhase(phase, ready)
	w.applyStatus(pod.Labels[JobIDLabel], mapped, pod.Spec.NodeName)
	return mapped
}

// applyStatus writes the mapped status when it differs from the stored one,
// publishes the change and kicks ingestion on terminal states.
func (w *Watcher) applyStatus(jobID, mapped, nodeName string) {
	if jobID == "" || mapped == "" {
		return
	}
	job, err := w.store.GetJob(jobID)
	if err != nil || job == nil {
		return
	}
	if strings.EqualFold(job.Status, mapped) {
		return
	}
	if err := w.store.UpdateJobStatus(jobID, mapped); err != nil {
		log.Printf("[watcher] updating job %s failed: %v", jobID, err)
		return
	}
	log.Printf("[watcher] job %s: %s -> %s", jobID, job.Status, mapped)
	if w.bus != nil {
		w.bus.PublishJobStatus(jobID, mapped, nodeName)
	}
	if TerminalStatus(mapped) && w.ingester != nil {
		if _, err := w.ingester.IngestManual(); err != nil {
			log.Printf("[watcher] ingest after %s failed: %v", jobID, err)
		}
	}
}

// CancelJob deletes a cluster job's pods immediately (grace 0, background
// propagation) and marks the job cancelled. Only pods are deleted; no owning
// workload object is removed.
func (w *Watcher) CancelJob(jobID string) error {
	if w.client != nil {
		grace := int64(0)
		propagation := metav1.DeletePropagationBackground
		deleteOpts := metav1.DeleteOptions{GracePeriodSeconds: &grace, PropagationPolicy: &propagation}
		pods, err := w.client.CoreV1().Pods(w.namespace).List(context.Background(),
			metav1.ListOptions{LabelSelector: LabelSelector + "," + JobIDLabel + "=" + jobID})
		if err != nil {
			log.Printf("[watcher] listing pods for job %s failed: %v", jobID, err)
		} else {
			for _, pod := range pods.Items {
				if err := w.client.CoreV1().Pods(w.namespace).Delete(context.Background(), pod.Name, deleteOpts); err != nil {
					log.Printf("[watcher] deleting pod %s failed: %v", pod.Name, err)
				}
			}
		}
	}
	if err := w.store.UpdateJobStatus(jobID, "cancelled"); err != nil {
		return err
	}
	if w.bus != nil {
		w.bus.PublishJobStatus(jobID, "cancelled", "")
	}
	return nil
}
