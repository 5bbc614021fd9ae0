package claude

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func runBash(ctx context.Context, workDir string, input map[string]any) (string, error) {
	command, _ := input["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", errors.New("command is required")
	}
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("command failed: %w", err)
	}
	return string(output), nil
}

// resolveWorkPath keeps file tools inside the working directory.
func resolveWorkPath(workDir, path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	resolved := filepath.Join(workDir, filepath.Clean(path))
	rel, err := filepath.Rel(workDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", path)
	}
	return resolved, nil
}

func runRead(_ context.Context, workDir string, input map[string]any) (string, error) {
	path, _ := input["path"].(string)
	resolved, err := resolveWorkPath(workDir, path)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func runWrite(_ context.Context, workDir string, input map[string]any) (string, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	resolved, err := resolveWorkPath(workDir, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", err
	}
	return "wrote " + path, nil
}
