package stage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/pkg/credential"
)

// artifactCollection maps a declared artifact type to its SAP Cloud
// Integration design-time collection endpoint, per spec §4.7 step (b).
var artifactCollection = map[string]string{
	"IntegrationFlow":  "IntegrationDesigntimeArtifacts",
	"ValueMapping":      "ValueMappingDesigntimeArtifacts",
	"MessageMapping":    "MessageMappingDesigntimeArtifacts",
	"ScriptCollection":  "ScriptCollectionDesigntimeArtifacts",
	"GroovyScript":      "ScriptCollectionDesigntimeArtifacts",
	"MessageResource":   "MessageResourcesDesigntimeArtifacts",
}

const (
	sapPollInterval  = 10 * time.Second
	sapPollMaxChecks = 12
)

// deployArtifact is one entry of the stage's declared toolConfig artifacts.
type deployArtifact struct {
	Name string `json:"name"`
	Type string `json:"type"`
	ID   string `json:"id"`
}

// deployHandler implements the SAP Cloud Integration flow: token
// acquisition, per-artifact download, optional GitHub archival, deploy
// trigger, and bounded status polling (spec §4.7).
func deployHandler(ctx context.Context, d *Dispatcher, sc *SharedContext, node pipeline.CompiledNode, st pipeline.CompiledStage, auth *credential.ResolvedAuth) pipeline.StageResult {
	start := time.Now()
	if auth == nil || auth.ClientID == "" || auth.ClientSecret == "" || auth.TokenURL == "" {
		return result(node, st, start, pipeline.StageFailed, "no SAP OAuth2 client-credentials auth resolved for stage")
	}
	baseURL := toolConfigString(st, "baseUrl")
	artifacts := parseArtifacts(st)
	if len(artifacts) == 0 {
		return result(node, st, start, pipeline.StageFailed, "no artifacts declared for deploy stage")
	}

	tokenSource := (&clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
	}).TokenSource(ctx)

	token, err := tokenSource.Token()
	if err != nil {
		return result(node, st, start, pipeline.StageFailed, "SAP OAuth2 token acquisition failed: "+err.Error())
	}

	var logLines []string
	githubCtx, hasGitHub := sc.Get("github")

	for _, artifact := range artifacts {
		collection, ok := artifactCollection[artifact.Type]
		if !ok {
			return result(node, st, start, pipeline.StageFailed, fmt.Sprintf("unknown artifact type %q", artifact.Type))
		}

		content, err := d.downloadArtifact(ctx, baseURL, collection, artifact.ID, token.AccessToken)
		if err != nil {
			return result(node, st, start, pipeline.StageFailed, err.Error())
		}
		logLines = append(logLines, fmt.Sprintf("[DEPLOY] downloaded %s (%s)", artifact.Name, artifact.Type))

		if hasGitHub {
			gh, _ := githubCtx.(map[string]string)
			path := fmt.Sprintf("%s/%s/builds/latest/%s/%s/%s/%s.zip",
				gh["basePath"], toolConfigString(st, "pipelineName"), node.Name, st.Name, artifact.Type, artifact.Name)
			if err := d.archiveToGitHub(ctx, gh, path, content); err != nil {
				return result(node, st, start, pipeline.StageFailed, err.Error())
			}
			if len(content) < 2 || content[0] != 0x50 || content[1] != 0x4B {
				logLines = append(logLines, fmt.Sprintf("[DEPLOY] WARNING: %s does not have ZIP signature", artifact.Name))
			}
		}

		if err := d.triggerDeploy(ctx, baseURL, artifact.ID, token.AccessToken); err != nil {
			return result(node, st, start, pipeline.StageFailed, err.Error())
		}
		logLines = append(logLines, fmt.Sprintf("[DEPLOY] triggered %s", artifact.Name))

		status, err := d.pollDeployStatus(ctx, baseURL, artifact.ID, token.AccessToken)
		if err != nil {
			return result(node, st, start, pipeline.StageFailed, err.Error())
		}
		logLines = append(logLines, fmt.Sprintf("[DEPLOY] %s final status: %s", artifact.Name, status))
	}

	res := result(node, st, start, pipeline.StageSuccess, "deploy completed", logLines...)
	return res
}

func parseArtifacts(st pipeline.CompiledStage) []deployArtifact {
	raw, ok := st.ToolConfig["artifacts"].([]any)
	if !ok {
		return nil
	}
	artifacts := make([]deployArtifact, 0, len(raw))
	for _, a := range raw {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		typ, _ := m["type"].(string)
		id, _ := m["id"].(string)
		artifacts = append(artifacts, deployArtifact{Name: name, Type: typ, ID: id})
	}
	return artifacts
}

func (d *Dispatcher) downloadArtifact(ctx context.Context, baseURL, collection, artifactID, accessToken string) ([]byte, error) {
	_, body, err := d.doRequest(ctx, "sap", func() (*http.Request, error) {
		url := fmt.Sprintf("%s/api/v1/%s(Id='%s',Version='active')/$value", baseURL, collection, artifactID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/zip")
		return req, nil
	})
	return body, err
}

// archiveToGitHub PUTs content to path via the GitHub contents API,
// preserving the existing file SHA when updating, per spec §4.7 step (c).
func (d *Dispatcher) archiveToGitHub(ctx context.Context, gh map[string]string, path string, content []byte) error {
	contentsURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/contents/%s?ref=%s", gh["owner"], gh["repo"], path, gh["branch"])

	var existingSHA string
	_, body, err := d.doRequest(ctx, "github", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentsURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+gh["token"])
		return req, nil
	})
	if err == nil {
		existingSHA = gjson.GetBytes(body, "sha").String()
	}

	payload := fmt.Sprintf(`{"message":"pipeline deploy artifact","content":"%s","branch":"%s"`,
		base64.StdEncoding.EncodeToString(content), gh["branch"])
	if existingSHA != "" {
		payload += fmt.Sprintf(`,"sha":"%s"`, existingSHA)
	}
	payload += "}"

	_, _, err = d.doRequest(ctx, "github", func() (*http.Request, error) {
		url := fmt.Sprintf("https://api.github.com/repos/%s/%s/contents/%s", gh["owner"], gh["repo"], path)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader([]byte(payload)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+gh["token"])
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return err
}

// triggerDeploy POSTs the deploy trigger, treating HTTP 409 as "already
// deployed" rather than a failure, per spec §4.7 step (d).
func (d *Dispatcher) triggerDeploy(ctx context.Context, baseURL, artifactID, accessToken string) error {
	resp, _, err := d.doRequest(ctx, "sap", func() (*http.Request, error) {
		url := fmt.Sprintf("%s/api/v1/DeployIntegrationDesigntimeArtifact?Id='%s'&Version='active'", baseURL, artifactID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sap deploy trigger returned %d", resp.StatusCode)
	}
	return nil
}

// pollDeployStatus polls the runtime-artifacts endpoint every 10s up to 12
// times. STARTED is success, ERROR is failure; a timeout without a terminal
// state still returns SUCCESS with a "warning" status string, per spec
// §4.7 step (e).
func (d *Dispatcher) pollDeployStatus(ctx context.Context, baseURL, artifactID, accessToken string) (string, error) {
	ticker := time.NewTicker(sapPollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < sapPollMaxChecks; attempt++ {
		_, body, err := d.doRequest(ctx, "sap", func() (*http.Request, error) {
			url := fmt.Sprintf("%s/api/v1/IntegrationRuntimeArtifacts('%s')", baseURL, artifactID)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+accessToken)
			return req, nil
		})
		if err != nil {
			return "", err
		}

		status := gjson.GetBytes(body, "d.Status").String()
		switch status {
		case "STARTED":
			return status, nil
		case "ERROR":
			return status, fmt.Errorf("sap artifact deploy failed: %s", gjson.GetBytes(body, "d.ErrorInformation").String())
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}

	return "warning", nil
}
