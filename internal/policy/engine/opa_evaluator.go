package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const allowQuery = "data.authz.users.allow"

// Default Rego policy for user resources: admins may do anything, users may read and
// update their own profile.
const defaultRegoPolicy = `package authz.users

default allow := false

allow if {
	input.subject.role == "admin"
}

self_service := {"users:read", "users:update"}

allow if {
	input.subject.id != ""
	input.subject.id == input.resource.owner_id
	self_service[input.action]
}
`

// OPAAuthorizer evaluates capability checks with an embedded Rego policy. The query is
// compiled and prepared once; evaluation is safe for concurrent use.
type OPAAuthorizer struct {
	query rego.PreparedEvalQuery
}

// NewOPAAuthorizer compiles policy (or the default policy when empty) and prepares the allow query.
func NewOPAAuthorizer(ctx context.Context, policy string) (*OPAAuthorizer, error) {
	if policy == "" {
		policy = defaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"authz_users.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAAuthorizer{query: q}, nil
}

// Allow evaluates the policy for one request. A policy that yields no boolean denies.
func (a *OPAAuthorizer) Allow(ctx context.Context, subject Subject, capability Capability, ownerID string) (bool, error) {
	input := map[string]interface{}{
		"subject": map[string]interface{}{
			"id":   subject.ID,
			"role": string(subject.Role),
		},
		"action": string(capability),
		"resource": map[string]interface{}{
			"owner_id": ownerID,
		},
	}
	rs, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// HealthCheck evaluates a sample input so readiness fails if the engine cannot answer.
func (a *OPAAuthorizer) HealthCheck(ctx context.Context) error {
	allowed, err := a.Allow(ctx, Subject{ID: "health", Role: "admin"}, CapUsersList, "")
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("policy denied the admin health check")
	}
	return nil
}
