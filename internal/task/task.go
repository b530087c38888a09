// Package task holds the job descriptions delivered by the queue and the
// control plane, together with the JSON shapes they arrive in.
package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidTaskID is returned when a task id cannot be used as a path
// segment and volume name.
var ErrInvalidTaskID = errors.New("invalid task id")

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ID is an identifier the control plane sends either as a JSON string or a
// JSON number. A JSON null decodes to the empty ID.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte("false")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("id must be a string or number: %w", err)
		}
		*id = ID(n.String())
		return nil
	}
}

func (id ID) String() string { return string(id) }

// Set reports whether the id carries a value.
func (id ID) Set() bool { return id != "" }

// EnvVars is the handler environment. The control plane sends it as a JSON
// encoded string; job templates send a plain object. Both decode here.
type EnvVars map[string]string

func (e *EnvVars) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		if strings.TrimSpace(encoded) == "" {
			*e = EnvVars{}
			return nil
		}
		data = []byte(encoded)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("env_vars: %w", err)
	}
	out := make(EnvVars, len(raw))
	for k, v := range raw {
		out[k] = Stringify(v)
	}
	*e = out
	return nil
}

// List renders the variables as KEY=value pairs.
func (e EnvVars) List() []string {
	list := make([]string, 0, len(e))
	for k, v := range e {
		list = append(list, k+"="+v)
	}
	return list
}

// Task is one lambda-style invocation as defined by the control plane.
type Task struct {
	TaskID       ID      `json:"task_id"`
	TaskName     string  `json:"task_name,omitempty"`
	TaskHandler  string  `json:"task_handler"`
	TaskResultID ID      `json:"task_result_id,omitempty"`
	ProjectID    ID      `json:"project_id"`
	Token        string  `json:"token,omitempty"`
	Callback     ID      `json:"callback,omitempty"`
	Runtime      string  `json:"runtime"`
	EnvVars      EnvVars `json:"env_vars,omitempty"`
	Zippath      string  `json:"zippath"`
}

// Validate checks the fields the lambda path turns into names on disk and in
// the container runtime.
func (t *Task) Validate() error {
	return ValidateID(t.TaskID.String())
}

// ValidateID rejects ids that are empty, contain path separators, or could
// walk out of the working directory.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTaskID)
	}
	if strings.Contains(id, "..") || !taskIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return nil
}

// Labels are attached to every log line of the task.
func (t *Task) Labels() map[string]string {
	labels := map[string]string{
		"task_id": t.TaskID.String(),
		"project": t.ProjectID.String(),
	}
	if t.TaskResultID.Set() {
		labels["task_result_id"] = t.TaskResultID.String()
	}
	return labels
}

// Event is the payload handed to a handler. It is a list of objects, or a
// single object which is kept as an object when encoded again.
type Event struct {
	Items  []map[string]any
	single bool
}

// NewEvent wraps a list payload.
func NewEvent(items ...map[string]any) Event {
	return Event{Items: items}
}

func (e *Event) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		*e = Event{}
		return nil
	case data[0] == '{':
		var item map[string]any
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("event: %w", err)
		}
		*e = Event{Items: []map[string]any{item}, single: true}
		return nil
	default:
		var items []map[string]any
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("event: %w", err)
		}
		*e = Event{Items: items}
		return nil
	}
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.single && len(e.Items) == 1 {
		return json.Marshal(e.Items[0])
	}
	if e.Items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e.Items)
}

// AttachResult stores the result of the previous step on every element, so
// the next handler in a callback chain can read it.
func (e *Event) AttachResult(result string) {
	for i, item := range e.Items {
		if item == nil {
			item = map[string]any{}
			e.Items[i] = item
		}
		item["result"] = result
	}
}

// Stringify renders a decoded JSON value the way it should appear in an
// environment variable.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
