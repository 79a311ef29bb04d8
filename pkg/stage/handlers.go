package stage

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/pkg/credential"
)

func result(node pipeline.CompiledNode, st pipeline.CompiledStage, start time.Time, status pipeline.StageStatus, message string, logLines ...string) pipeline.StageResult {
	return pipeline.StageResult{
		NodeID:      node.ID,
		StageID:     st.ID,
		StageType:   st.Type,
		Status:      status,
		Message:     message,
		DurationMs:  time.Since(start).Milliseconds(),
		StartedAt:   start,
		CompletedAt: time.Now(),
		Data: func() map[string]any {
			if len(logLines) == 0 {
				return nil
			}
			return map[string]any{"logLines": logLines}
		}(),
	}
}

func toolConfigString(st pipeline.CompiledStage, key string) string {
	if st.ToolConfig == nil {
		return ""
	}
	v, _ := st.ToolConfig[key].(string)
	return v
}

func authHeader(auth *credential.ResolvedAuth) (string, bool) {
	if auth == nil {
		return "", false
	}
	switch {
	case auth.Token != "":
		return "Bearer " + auth.Token, true
	case auth.Username != "" && auth.APIKey != "":
		encoded := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.APIKey))
		return "Basic " + encoded, true
	default:
		return "", false
	}
}

// planHandler implements C7's JIRA probe per spec §4.7: verify an issue key
// when one is configured, otherwise a bare connectivity probe.
func planHandler(ctx context.Context, d *Dispatcher, sc *SharedContext, node pipeline.CompiledNode, st pipeline.CompiledStage, auth *credential.ResolvedAuth) pipeline.StageResult {
	start := time.Now()
	baseURL := toolConfigString(st, "baseUrl")
	issueKey := toolConfigString(st, "issueKey")

	path := "/rest/api/3/myself"
	if issueKey != "" {
		path = "/rest/api/3/issue/" + issueKey
	}

	header, ok := authHeader(auth)
	if !ok {
		return result(node, st, start, pipeline.StageFailed, "no JIRA auth resolved for stage")
	}

	resp, body, err := d.doRequest(ctx, "jira", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", header)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return result(node, st, start, pipeline.StageFailed, err.Error())
	}
	if resp.StatusCode >= 400 {
		return result(node, st, start, pipeline.StageFailed, fmt.Sprintf("jira returned %d: %s", resp.StatusCode, gjson.GetBytes(body, "errorMessages.0").String()))
	}

	return result(node, st, start, pipeline.StageSuccess, "jira connectivity verified", "[JIRA] "+path+" OK")
}

// codeHandler implements C7's GitHub handler: verify the repo and branch,
// then stash the shared context downstream Deploy stages read.
func codeHandler(ctx context.Context, d *Dispatcher, sc *SharedContext, node pipeline.CompiledNode, st pipeline.CompiledStage, auth *credential.ResolvedAuth) pipeline.StageResult {
	start := time.Now()
	owner := toolConfigString(st, "owner")
	repo := toolConfigString(st, "repo")
	branch := toolConfigString(st, "branch")
	if branch == "" {
		branch = "main"
	}

	header, ok := authHeader(auth)
	if !ok {
		return result(node, st, start, pipeline.StageFailed, "no GitHub auth resolved for stage")
	}

	getJSON := func(path string) (gjson.Result, error) {
		_, body, err := d.doRequest(ctx, "github", func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com"+path, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", header)
			req.Header.Set("Accept", "application/vnd.github+json")
			return req, nil
		})
		if err != nil {
			return gjson.Result{}, err
		}
		return gjson.ParseBytes(body), nil
	}

	if _, err := getJSON(fmt.Sprintf("/repos/%s/%s", owner, repo)); err != nil {
		return result(node, st, start, pipeline.StageFailed, err.Error())
	}
	if _, err := getJSON(fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, branch)); err != nil {
		return result(node, st, start, pipeline.StageFailed, err.Error())
	}

	token := ""
	if auth != nil {
		token = auth.Token
		if token == "" {
			token = auth.APIKey
		}
	}
	sc.Set("github", map[string]string{
		"repo": repo, "owner": owner, "branch": branch, "token": token, "basePath": "pipelines",
	})

	return result(node, st, start, pipeline.StageSuccess, "repository and branch verified",
		fmt.Sprintf("[GITHUB] %s/%s@%s OK", owner, repo, branch))
}

// approvalHandler delegates to C9 to create one inbox item per approver and
// immediately returns WAITING_APPROVAL, or SKIPPED when no approvers are
// configured.
func approvalHandler(ctx context.Context, d *Dispatcher, sc *SharedContext, node pipeline.CompiledNode, st pipeline.CompiledStage, auth *credential.ResolvedAuth) pipeline.StageResult {
	start := time.Now()
	approvers, _ := sc.Get("approvers")
	list, _ := approvers.([]string)
	if len(list) == 0 {
		return result(node, st, start, pipeline.StageSkipped, "No approvers configured")
	}
	approvals := d.approvalCreator()
	if approvals == nil {
		return result(node, st, start, pipeline.StageFailed, "approval bridge not configured")
	}

	executionID, _ := sc.Get("executionId")
	execIDStr, _ := executionID.(string)
	accountID, _ := sc.Get("accountId")
	acctIDStr, _ := accountID.(string)

	resumeToken, err := approvals(ctx, acctIDStr, execIDStr, st.ID, list)
	if err != nil {
		return result(node, st, start, pipeline.StageFailed, err.Error())
	}
	res := result(node, st, start, pipeline.StageWaitingApproval, "awaiting approver action")
	if resumeToken != "" {
		if res.Data == nil {
			res.Data = make(map[string]any)
		}
		res.Data["resumeToken"] = resumeToken
	}
	return res
}

// genericHandler backs Build/Test/Release/Generic and any unrecognized
// stage type: no external call, a single informational log line.
func genericHandler(ctx context.Context, d *Dispatcher, sc *SharedContext, node pipeline.CompiledNode, st pipeline.CompiledStage, auth *credential.ResolvedAuth) pipeline.StageResult {
	start := time.Now()
	return result(node, st, start, pipeline.StageSuccess, "completed", fmt.Sprintf("[%s] completed", st.Type))
}
