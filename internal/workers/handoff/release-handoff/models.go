// internal/workers/handoff/release-handoff/models.go
package releasehandoff

// Input is the job variables set by the human-handoff workflow when an
// agent closes the case.
type Input struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

type Output struct {
	Released   bool   `json:"released"`
	ReleasedAt string `json:"releasedAt"` // ISO 8601
}
