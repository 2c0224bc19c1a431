package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `scribe coordinates transcription projects: one audio file per project, split into tasks that editors transcribe.

Every project and task carries a lock. A lock is held either by a local operation (its tag is the operation name, e.g. assign_tasks)
or by a remote speech job (its tag is the job id). A failed operation leaves an error status that blocks further work until cleared.

Operator workflow:
1) list_stuck to find locked or failed projects.
2) project_status for the per-task picture.
3) recent_activity to see what acquired, released or failed the lock.
4) unlock_project / unlock_task to interrupt a holder (pending speech jobs are cancelled).
5) clear_error once the cause is understood.

Docs:
- scribe://docs/locks (lock states and what each tool does to them)
- scribe://docs/runbook (common incidents)
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "scribe://docs/locks",
		Name:        "docs_locks",
		Title:       "Lock states",
		Description: "How project and task locks are held, released and reported.",
		Content: `# Lock states

A project or task is in exactly one of three states:

- idle: no job id and no error status. Any operation may start.
- locked(tag): a job id is set. The tag is the operation name while a local operation runs,
  or the speech service job id while the speech service is working.
- error(message): no job id, but an error status is recorded. Operations other than
  clear_error and unlock are refused with "previous job failed".

A lock held by a speech job is released by the callback that delivers the result.
If the speech service never calls back, the lock stays held until an operator unlocks it.

## What the tools do

| tool | idle | locked(operation) | locked(speech job) | error |
|---|---|---|---|---|
| unlock_project / unlock_task | conflict | released, error status set to the operation | job cancelled, released, error status set to the operation | conflict |
| clear_error | no-op | refused | refused | cleared |

Unlocking an interrupted assign_tasks removes the task directories it created. A callback arriving after an unlock
is dropped because its token is gone. Clear the error status after an unlock to make the target usable again.
`,
	},
	{
		URI:         "scribe://docs/runbook",
		Name:        "docs_runbook",
		Title:       "Operator runbook",
		Description: "Playbooks for stuck projects and failed speech jobs.",
		Content: `# Runbook

## A project has been locked for hours

1. project_status: note the tag.
2. recent_activity with the projectid: find job_submitted for that tag.
3. If the speech service has no record of the job, unlock_project. The pending request is cancelled
   and the mailbox token removed.
4. clear_error once the editor or project manager knows the job has to be resubmitted.

## An editor reports "previous job failed"

1. recent_activity with projectid and taskid, type callback_failed or compensated.
2. Fix the cause (for example the speech result was empty).
3. clear_error with projectid and taskid.

## Task assignment failed part way

Assignment undoes the task directories it created and leaves error status assign_tasks on the project.
Check recent_activity for the compensated entry, then clear_error and assign again.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
