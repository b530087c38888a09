// Package postprocess launches the results-processing container that runs
// after a performance test.
package postprocess

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mattkinnersley/interceptor/internal/runtime"
	"github.com/mattkinnersley/interceptor/internal/task"
)

const containerName = "post-processing"

// Processor starts post-processing for a finished test. The returned handle
// is watched by the caller.
type Processor interface {
	Start(ctx context.Context, args *task.PostProcessArgs) (runtime.Handle, error)
}

// KubernetesSettings is the clouds.kubernetes block of a test integration.
type KubernetesSettings struct {
	Hostname         string  `json:"hostname"`
	Token            string  `json:"k8s_token"`
	Namespace        string  `json:"namespace"`
	SecureConnection bool    `json:"secure_connection"`
	CPUCoresLimit    float64 `json:"post_processor_cpu_cores_limit"`
	MemoryLimitGiB   float64 `json:"post_processor_memory_limit"`
}

// ContainerProcessor runs the results processor on the local Docker engine,
// or as a Kubernetes Job when the integration carries cluster settings.
type ContainerProcessor struct {
	docker    runtime.Runtime
	image     string
	kubeImage string
	newKube   runtime.KubernetesFactory
	logger    zerolog.Logger
}

func New(docker runtime.Runtime, image, kubeImage string, newKube runtime.KubernetesFactory, logger zerolog.Logger) *ContainerProcessor {
	return &ContainerProcessor{
		docker:    docker,
		image:     image,
		kubeImage: kubeImage,
		newKube:   newKube,
		logger:    logger,
	}
}

func (p *ContainerProcessor) Start(ctx context.Context, args *task.PostProcessArgs) (runtime.Handle, error) {
	env := Env(args)

	ks, err := ParseKubernetesSettings(args.Integration)
	if err != nil {
		return nil, err
	}
	if ks == nil || p.newKube == nil {
		return p.docker.Start(ctx, runtime.ContainerSpec{
			Name:  containerName + "-" + uuid.New().String()[:8],
			Image: p.image,
			Env:   env,
		})
	}

	rt, err := p.newKube(runtime.KubernetesConfig{
		Host:             ks.Hostname,
		Token:            ks.Token,
		Namespace:        ks.Namespace,
		JobsCount:        1,
		SecureConnection: ks.SecureConnection,
	}, p.logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to cluster: %w", err)
	}
	return rt.Start(ctx, runtime.ContainerSpec{
		Name:        containerName,
		Image:       p.kubeImage,
		Env:         env,
		NanoCPUs:    int64(ks.CPUCoresLimit * 1e9),
		MemoryBytes: int64(ks.MemoryLimitGiB * (1 << 30)),
	})
}

// Env is the environment handed to the results processor.
func Env(args *task.PostProcessArgs) map[string]string {
	return map[string]string{
		"base_url":     args.GalloperURL,
		"galloper_url": args.GalloperURL,
		"token":        args.Token,
		"project_id":   args.ProjectID.String(),
		"bucket":       args.Bucket,
		"build_id":     args.BuildID,
		"report_id":    args.ReportID.String(),
		"integrations": task.Stringify(args.Integration),
		"exec_params":  task.Stringify(args.ExecParams),
	}
}

// ParseKubernetesSettings reads clouds.kubernetes from an integration, which
// arrives either as a JSON string or an already decoded object. A missing or
// empty block yields nil.
func ParseKubernetesSettings(integration any) (*KubernetesSettings, error) {
	var raw []byte
	switch v := integration.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding integration: %w", err)
		}
		raw = b
	}

	var doc struct {
		Clouds struct {
			Kubernetes json.RawMessage `json:"kubernetes"`
		} `json:"clouds"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// integrations sent as a list carry no cluster settings
		if _, isList := integration.([]any); isList {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing integration: %w", err)
	}

	k := doc.Clouds.Kubernetes
	if len(k) == 0 || string(k) == "null" || string(k) == "{}" {
		return nil, nil
	}
	var ks KubernetesSettings
	if err := json.Unmarshal(k, &ks); err != nil {
		return nil, fmt.Errorf("parsing kubernetes settings: %w", err)
	}
	return &ks, nil
}
