package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/platform/k8s"
)

const (
	defaultRestartBudget = 2
	workerContainerName  = "worker"
)

// JobAPI is the subset of the Kubernetes client the cluster launcher needs.
type JobAPI interface {
	Namespace() string
	CreateJob(ctx context.Context, job k8s.Job) error
	GetJob(ctx context.Context, name string) (k8s.Job, error)
	DeleteJob(ctx context.Context, name string) error
}

type ClusterConfig struct {
	Image          string
	Command        []string
	ServiceAccount string
	// RestartBudget bounds pod retries for one job.
	RestartBudget int32
	// Retention is how long failed runs are kept. Finished jobs are also
	// garbage collected by the cluster one hour after that.
	Retention time.Duration
	Bootstrap Bootstrap
}

// Cluster runs each unit as a batch/v1 Job.
type Cluster struct {
	api    JobAPI
	cfg    ClusterConfig
	logger *slog.Logger
}

func NewCluster(logger *slog.Logger, api JobAPI, cfg ClusterConfig) (*Cluster, error) {
	if api == nil {
		return nil, errors.New("kubernetes client is required")
	}
	cfg.Image = strings.TrimSpace(cfg.Image)
	if cfg.Image == "" {
		return nil, errors.New("worker image is required")
	}
	if cfg.RestartBudget < 0 {
		return nil, errors.New("restart budget must be >= 0")
	}
	if cfg.RestartBudget == 0 {
		cfg.RestartBudget = defaultRestartBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cluster{api: api, cfg: cfg, logger: logger.With("component", "cluster_launcher")}, nil
}

func (c *Cluster) Kind() string {
	return KindCluster
}

func (c *Cluster) Create(ctx context.Context, spec Spec) error {
	runID := strings.TrimSpace(spec.RunID)
	if runID == "" {
		return errors.New("run id is required")
	}
	job := c.jobFor(runID, spec)
	err := c.api.CreateJob(ctx, job)
	switch {
	case err == nil:
		c.logger.Info("job created", "run_id", runID, "job", job.Metadata.Name, "namespace", c.api.Namespace())
		return nil
	case errors.Is(err, k8s.ErrAlreadyExists):
		return nil
	default:
		return &LaunchError{RunID: runID, Reason: "create job " + job.Metadata.Name, Err: err}
	}
}

func (c *Cluster) jobFor(runID string, spec Spec) k8s.Job {
	name := UnitName(runID)
	labels := map[string]string{
		"app.kubernetes.io/name":      "backtest-worker",
		"app.kubernetes.io/component": "backtest-run",
		"backtest.run_id":             runID,
	}

	env := make([]k8s.EnvVar, 0, 8)
	for _, kv := range c.cfg.Bootstrap.environ(Spec{RunID: runID, Env: spec.Env}) {
		k, v, _ := strings.Cut(kv, "=")
		env = append(env, k8s.EnvVar{Name: k, Value: v})
	}

	backoff := c.cfg.RestartBudget
	var ttl *int32
	if c.cfg.Retention > 0 {
		secs := int32((c.cfg.Retention + time.Hour) / time.Second)
		ttl = &secs
	}

	return k8s.Job{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: k8s.ObjectMeta{
			Name:      name,
			Namespace: c.api.Namespace(),
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec: k8s.PodSpec{
					RestartPolicy:      "Never",
					ServiceAccountName: strings.TrimSpace(c.cfg.ServiceAccount),
					Containers: []k8s.Container{{
						Name:    workerContainerName,
						Image:   c.cfg.Image,
						Command: c.cfg.Command,
						Env:     env,
					}},
				},
			},
		},
	}
}

func (c *Cluster) Inspect(ctx context.Context, runID string) (Observation, error) {
	job, err := c.api.GetJob(ctx, UnitName(runID))
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{Phase: PhaseNotFound}, nil
		}
		return Observation{}, fmt.Errorf("inspect job: %w", err)
	}
	st := job.Status
	if cond, ok := st.Condition("Failed"); ok {
		return Observation{Phase: PhaseFailed, Message: conditionMessage(cond), FinishedAt: finishedAt(cond, st)}, nil
	}
	if cond, ok := st.Condition("Complete"); ok {
		return Observation{Phase: PhaseSucceeded, Message: conditionMessage(cond), FinishedAt: finishedAt(cond, st)}, nil
	}
	if st.Active > 0 {
		return Observation{Phase: PhaseRunning}, nil
	}
	return Observation{Phase: PhasePending}, nil
}

func conditionMessage(cond k8s.JobCondition) string {
	return strings.TrimSpace(strings.TrimSpace(cond.Reason + " " + cond.Message))
}

func finishedAt(cond k8s.JobCondition, st k8s.JobStatus) *time.Time {
	if st.CompletionTime != nil {
		return st.CompletionTime
	}
	return cond.LastTransitionTime
}

func (c *Cluster) Delete(ctx context.Context, runID string) error {
	err := c.api.DeleteJob(ctx, UnitName(runID))
	if err == nil || errors.Is(err, k8s.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("delete job: %w", err)
}
