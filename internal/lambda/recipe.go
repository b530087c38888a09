package lambda

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattkinnersley/interceptor/internal/runtime"
)

const (
	dockerfileName = "Dockerfile"
	recipeFileName = "recipe.yaml"
	taskMountPath  = "/var/task"
)

// Recipe is the one-shot job that unpacks an artifact into a volume: an image
// built from the workspace, run once with the volume mounted.
type Recipe struct {
	Build struct {
		Context string `yaml:"context"`
		Image   string `yaml:"image"`
	} `yaml:"build"`
	Container string `yaml:"container"`
	Volume    string `yaml:"volume"`
	Target    string `yaml:"target"`
}

// NewRecipe describes the extraction for workspace ws.
func NewRecipe(ws Workspace) Recipe {
	var r Recipe
	r.Build.Context = ws.Dir
	r.Build.Image = "interceptor-unzip-" + strings.ToLower(ws.Name)
	r.Container = "interceptor-unzip-" + ws.Name
	r.Volume = ws.Name
	r.Target = taskMountPath
	return r
}

// dockerfile copies the artifact into the image and unzips it into the
// mounted volume when the container runs.
func dockerfile(baseImage, artifact string) string {
	archive := "/tmp/" + artifact + ".zip"
	return fmt.Sprintf("FROM %s\nADD %s %s\nCMD [\"unzip\", \"-o\", %q, \"-d\", %q]\n",
		baseImage, artifact, archive, archive, taskMountPath)
}

// WriteRecipe materializes the Dockerfile and recipe.yaml into ws.Dir.
func WriteRecipe(ws Workspace, baseImage string) error {
	if err := os.WriteFile(filepath.Join(ws.Dir, dockerfileName), []byte(dockerfile(baseImage, ws.Name)), 0o644); err != nil {
		return fmt.Errorf("writing Dockerfile: %w", err)
	}

	data, err := yaml.Marshal(NewRecipe(ws))
	if err != nil {
		return fmt.Errorf("encoding recipe: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, recipeFileName), data, 0o644); err != nil {
		return fmt.Errorf("writing recipe: %w", err)
	}
	return nil
}

// LoadRecipe reads recipe.yaml back from a workspace directory.
func LoadRecipe(dir string) (Recipe, error) {
	var r Recipe
	data, err := os.ReadFile(filepath.Join(dir, recipeFileName))
	if err != nil {
		return r, fmt.Errorf("reading recipe: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parsing recipe: %w", err)
	}
	if r.Build.Image == "" || r.Volume == "" {
		return r, fmt.Errorf("recipe in %s is incomplete", dir)
	}
	return r, nil
}

// Run builds the image, runs the extraction container to exit and removes the
// generated image. removeImage failures are returned separately so callers can
// treat them as cleanup.
func (r Recipe) Run(ctx context.Context, engine runtime.Engine) (runErr, cleanupErr error) {
	if err := engine.BuildImage(ctx, r.Build.Context, r.Build.Image); err != nil {
		return fmt.Errorf("building extraction image: %w", err), nil
	}
	defer func() {
		if err := engine.RemoveImage(context.WithoutCancel(ctx), r.Build.Image); err != nil {
			cleanupErr = err
		}
	}()

	res, err := engine.Run(ctx, runtime.ContainerSpec{
		Name:   r.Container,
		Image:  r.Build.Image,
		Mounts: []runtime.VolumeMount{{Volume: r.Volume, Target: r.Target}},
	})
	if err != nil {
		return fmt.Errorf("running extraction: %w", err), nil
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("extraction exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Output)), nil
	}
	return nil, nil
}
