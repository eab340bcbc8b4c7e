package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPipelineDefaults(t *testing.T) {
	p := NewPipeline(Config{Enabled: true}, nil, nil, nil)
	assert.Equal(t, 3, p.cfg.MaxIterations)

	p = NewPipeline(Config{Enabled: true, MaxIterations: 5}, nil, nil, nil)
	assert.Equal(t, 5, p.cfg.MaxIterations)
}

func TestValidatorEnvRequired(t *testing.T) {
	env := ValidatorEnv(ValidatorEnvInput{TaskID: "task-1", Iteration: 2})

	assert.Equal(t, map[string]string{
		"VALIDATION_MODE":      "true",
		"ORIGINAL_TASK_ID":     "task-1",
		"VALIDATION_ITERATION": "2",
	}, env)
}

func TestValidatorEnvOptional(t *testing.T) {
	env := ValidatorEnv(ValidatorEnvInput{
		TaskID:            "task-1",
		Iteration:         1,
		OriginalSandboxID: "sbx-9",
		GitHubRepo:        "acme/widgets",
		GitHubRepoOwner:   "acme",
		GitHubRepoName:    "widgets",
		GitHubToken:       "ghs_secret",
		BranchName:        "feature/x",
		UserID:            "u-1",
	})

	assert.Equal(t, "sbx-9", env["ORIGINAL_SANDBOX_ID"])
	assert.Equal(t, "acme/widgets", env["GITHUB_REPO"])
	assert.Equal(t, "acme", env["GITHUB_REPO_OWNER"])
	assert.Equal(t, "widgets", env["GITHUB_REPO_NAME"])
	assert.Equal(t, "ghs_secret", env["GITHUB_TOKEN"])
	assert.Equal(t, "feature/x", env["BRANCH_NAME"])
	assert.Equal(t, "u-1", env["USER_ID"])
	assert.Equal(t, "true", env["VALIDATION_MODE"])
	assert.Len(t, env, 10)
}
