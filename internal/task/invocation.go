package task

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/propagation"
)

// Kinds of invocation the worker accepts from the queue.
const (
	KindExecute       = "execute"
	KindExecuteKuber  = "execute_kuber"
	KindExecuteLambda = "execute_lambda"
	KindPostProcess   = "post_process"
)

// Invocation is the queue envelope. Args is decoded according to Name.
// Trace optionally carries the producer's span context.
type Invocation struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Args  json.RawMessage        `json:"args"`
	Trace propagation.MapCarrier `json:"trace,omitempty"`
}

// ExecuteArgs are the arguments of the execute and execute_kuber entry points.
type ExecuteArgs struct {
	JobType            string         `json:"job_type"`
	Container          string         `json:"container"`
	ExecutionParams    map[string]any `json:"execution_params"`
	JobName            string         `json:"job_name"`
	KubernetesSettings *KubeSettings  `json:"kubernetes_settings,omitempty"`
	Mode               string         `json:"mode,omitempty"`
	LoggerStopWords    []string       `json:"logger_stop_words,omitempty"`
}

// KubeSettings selects the cluster an execute_kuber job runs on. An empty
// Host means the worker itself runs in the cluster.
type KubeSettings struct {
	Host             string `json:"host,omitempty"`
	Token            string `json:"token,omitempty"`
	Namespace        string `json:"namespace,omitempty"`
	JobsCount        int32  `json:"jobs_count,omitempty"`
	SecureConnection bool   `json:"secure_connection,omitempty"`
}

// Labels derives the per-task log labels from the execution parameters.
func (a *ExecuteArgs) Labels() map[string]string {
	labels := map[string]string{}
	if v, ok := a.ExecutionParams["project_id"]; ok {
		labels["project"] = Stringify(v)
	}
	if v, ok := a.ExecutionParams["report_id"]; ok {
		labels["report_id"] = Stringify(v)
	}
	if v, ok := a.ExecutionParams["build_id"]; ok && Stringify(v) != "" {
		labels["build_id"] = Stringify(v)
	}
	return labels
}

// LambdaArgs are the arguments of the execute_lambda entry point.
type LambdaArgs struct {
	Task            Task     `json:"task"`
	Event           Event    `json:"event"`
	LoggerStopWords []string `json:"logger_stop_words,omitempty"`
}

// PostProcessArgs are the arguments of the post_process entry point.
type PostProcessArgs struct {
	GalloperURL     string   `json:"galloper_url"`
	ProjectID       ID       `json:"project_id"`
	GalloperWebHook string   `json:"galloper_web_hook,omitempty"`
	ReportID        ID       `json:"report_id"`
	BuildID         string   `json:"build_id"`
	Bucket          string   `json:"bucket"`
	Prefix          string   `json:"prefix,omitempty"`
	Junit           bool     `json:"junit,omitempty"`
	Token           string   `json:"token,omitempty"`
	Integration     any      `json:"integration,omitempty"`
	EmailRecipients []string `json:"email_recipients,omitempty"`
	ExecParams      any      `json:"exec_params,omitempty"`
	ManualRun       bool     `json:"manual_run,omitempty"`
	Skip            bool     `json:"skip,omitempty"`
	LoggerStopWords []string `json:"logger_stop_words,omitempty"`
}

// Labels derives the per-task log labels.
func (a *PostProcessArgs) Labels() map[string]string {
	labels := map[string]string{
		"project":   a.ProjectID.String(),
		"report_id": a.ReportID.String(),
	}
	if a.BuildID != "" {
		labels["build_id"] = a.BuildID
	}
	return labels
}

// Decode unmarshals the envelope arguments into the shape for its kind.
// The returned value is one of *ExecuteArgs, *LambdaArgs or *PostProcessArgs.
func (inv *Invocation) Decode() (any, error) {
	var target any
	switch inv.Name {
	case KindExecute, KindExecuteKuber:
		target = &ExecuteArgs{}
	case KindExecuteLambda:
		target = &LambdaArgs{}
	case KindPostProcess:
		target = &PostProcessArgs{}
	default:
		return nil, fmt.Errorf("unknown invocation %q", inv.Name)
	}
	if len(inv.Args) == 0 {
		return nil, fmt.Errorf("invocation %s has no arguments", inv.Name)
	}
	if err := json.Unmarshal(inv.Args, target); err != nil {
		return nil, fmt.Errorf("decoding %s arguments: %w", inv.Name, err)
	}
	return target, nil
}
