// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vulcan-ci/vulcan/internal/condition"
	"github.com/vulcan-ci/vulcan/internal/model"
)

// Assignment is returned by RequestWork when a fragment is dispatched.
type Assignment struct {
	FragmentID  string
	Script      string
	Env         map[string]string
	TimeoutSecs int
}

// dispatchCandidateLimit bounds how many structurally-matching pending
// fragments RequestWork inspects per call before giving up and
// returning none; readiness (ordering gate, conditions) is evaluated
// in Go since it requires walking the ancestor chain, so the SQL query
// itself only narrows by kind/status/effective-machine and orders by
// (chain.created_at, sequence) per spec.md §4.2.
const dispatchCandidateLimit = 200

type dispatchCandidate struct {
	fragmentID string
	chainID    string
}

// RequestWork atomically selects one ready fragment whose effective
// machine equals machineGroup, marks it running and assigned to
// workerID, and returns its script/environment/timeout. An empty
// machineGroup matches only fragments with no machine of their own,
// which run on their chain's default machine. Returns (nil, nil) if no
// fragment is currently ready.
func (s *Store) RequestWork(ctx context.Context, workerID, machineGroup string, now time.Time, timeoutSecs int) (*Assignment, error) {
	var assignment *Assignment
	err := s.withImmediateTx(ctx, func(conn *sqlite.Conn) error {
		if _, err := queryWorker(conn, workerID); err != nil {
			return err
		}

		candidates, err := queryDispatchCandidates(conn, machineGroup)
		if err != nil {
			return err
		}

		for _, cand := range candidates {
			frag, err := queryFragment(conn, cand.fragmentID)
			if err != nil {
				return err
			}
			if frag.Status != model.FragmentPending {
				continue // raced with a concurrent skip/requeue within this same scan
			}

			ready, skipBoundary, err := evaluateReadiness(conn, frag, now)
			if err != nil {
				return err
			}
			if skipBoundary != "" {
				if err := skipSubtree(conn, skipBoundary, now); err != nil {
					return err
				}
				continue
			}
			if !ready {
				continue
			}

			chain, err := queryChain(conn, frag.ChainID)
			if err != nil {
				return err
			}

			if err := dispatchFragment(conn, frag, workerID, now); err != nil {
				return err
			}
			if err := bubbleRunning(conn, chain, frag.ParentFragmentID, now); err != nil {
				return err
			}

			assignment = &Assignment{
				FragmentID:  frag.ID,
				Script:      frag.RunScript,
				Env:         dispatchEnv(chain),
				TimeoutSecs: timeoutSecs,
			}
			return nil
		}
		return nil
	})
	return assignment, err
}

func dispatchEnv(chain *model.Chain) map[string]string {
	prNumber := ""
	if chain.TriggerKind == model.TriggerPullRequest {
		prNumber = chain.TriggerRef
	}
	return map[string]string{
		"BRANCH":     chain.Branch,
		"TRIGGER":    string(chain.TriggerKind),
		"COMMIT_SHA": chain.CommitSHA,
		"PR_NUMBER":  prNumber,
	}
}

func queryDispatchCandidates(conn *sqlite.Conn, machineGroup string) ([]dispatchCandidate, error) {
	var out []dispatchCandidate
	err := sqlitex.Execute(conn, `
		SELECT f.id, f.chain_id
		FROM fragments f
		JOIN chains c ON c.id = f.chain_id
		WHERE f.kind = 'inline' AND f.status = 'pending'
		  AND ((? = '' AND f.machine = '')
		       OR (CASE WHEN f.machine <> '' THEN f.machine ELSE c.default_machine END) = ?)
		ORDER BY c.created_at ASC, f.sequence ASC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{machineGroup, machineGroup, int64(dispatchCandidateLimit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, dispatchCandidate{
					fragmentID: stmt.ColumnText(0),
					chainID:    stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: selecting dispatch candidates: %w", err)
	}
	return out, nil
}

// evaluateReadiness implements spec.md §4.2 rule set for a single
// candidate inline fragment. If an ancestor's (or the fragment's own)
// condition evaluates false, it returns the id of the topmost such
// ancestor (or the fragment itself) as skipBoundary so the caller can
// skip that whole subtree once, per the short-circuit resolution in
// DESIGN.md.
func evaluateReadiness(conn *sqlite.Conn, frag *model.Fragment, now time.Time) (ready bool, skipBoundary string, err error) {
	chain, err := queryChain(conn, frag.ChainID)
	if err != nil {
		return false, "", err
	}
	ctx := condition.Context{
		Branch:    chain.Branch,
		Trigger:   string(chain.TriggerKind),
		CommitSHA: chain.CommitSHA,
		PRNumber:  chain.TriggerRef,
	}

	// Walk from root ancestor down to the fragment itself, honoring the
	// resolution that a false ancestor condition short-circuits
	// descendants (DESIGN.md Open Question 3).
	chainOfConditions, err := ancestorChainWithSelf(conn, frag)
	if err != nil {
		return false, "", err
	}
	for _, node := range chainOfConditions {
		ok, evalErr := condition.Evaluate(node.Condition, ctx)
		if evalErr != nil {
			return false, "", fmt.Errorf("store: evaluating condition on fragment %s: %w", node.ID, evalErr)
		}
		if !ok {
			return false, node.ID, nil
		}
	}

	blocked, err := blockedByEarlierSibling(conn, frag)
	if err != nil {
		return false, "", err
	}
	if blocked {
		return false, "", nil
	}

	return true, "", nil
}

// ancestorChainWithSelf returns [root-ancestor, ..., parent, frag] —
// the fragment's full ancestor path including itself, outermost first.
func ancestorChainWithSelf(conn *sqlite.Conn, frag *model.Fragment) ([]*model.Fragment, error) {
	chain := []*model.Fragment{frag}
	current := frag
	for current.ParentFragmentID != nil {
		parent, err := queryFragment(conn, *current.ParentFragmentID)
		if err != nil {
			return nil, err
		}
		chain = append([]*model.Fragment{parent}, chain...)
		current = parent
	}
	return chain, nil
}

func blockedByEarlierSibling(conn *sqlite.Conn, frag *model.Fragment) (bool, error) {
	parallel, err := parentIsParallel(conn, frag.ParentFragmentID)
	if err != nil {
		return false, err
	}
	if parallel {
		return false, nil
	}

	siblings, err := queryChildren(conn, frag.ParentFragmentID, frag.ChainID)
	if err != nil {
		return false, err
	}
	for _, sib := range siblings {
		if sib.Sequence >= frag.Sequence {
			continue
		}
		if !sib.Status.RollsUpAsComplete() {
			return true, nil
		}
	}
	return false, nil
}

func parentIsParallel(conn *sqlite.Conn, parentID *string) (bool, error) {
	if parentID == nil {
		return false, nil // chain root behaves as a sequential scope
	}
	parent, err := queryFragment(conn, *parentID)
	if err != nil {
		return false, err
	}
	return parent.IsParallel, nil
}

func queryChildren(conn *sqlite.Conn, parentID *string, chainID string) ([]*model.Fragment, error) {
	var out []*model.Fragment
	var err error
	if parentID == nil {
		err = sqlitex.Execute(conn, fragmentSelectColumns+` FROM fragments WHERE chain_id = ? AND parent_fragment_id IS NULL ORDER BY sequence`,
			&sqlitex.ExecOptions{
				Args: []any{chainID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanFragment(stmt))
					return nil
				},
			})
	} else {
		err = sqlitex.Execute(conn, fragmentSelectColumns+` FROM fragments WHERE parent_fragment_id = ? ORDER BY sequence`,
			&sqlitex.ExecOptions{
				Args: []any{*parentID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanFragment(stmt))
					return nil
				},
			})
	}
	if err != nil {
		return nil, fmt.Errorf("store: querying children: %w", err)
	}
	return out, nil
}

func dispatchFragment(conn *sqlite.Conn, frag *model.Fragment, workerID string, now time.Time) error {
	if err := sqlitex.Execute(conn, `UPDATE fragments SET status = 'running',
		assigned_worker_id = ?, started_at = ? WHERE id = ? AND status = 'pending'`,
		&sqlitex.ExecOptions{Args: []any{workerID, now.UnixMilli(), frag.ID}}); err != nil {
		return fmt.Errorf("store: dispatching fragment %s: %w", frag.ID, err)
	}
	if conn.Changes() != 1 {
		return fmt.Errorf("store: dispatching fragment %s: no longer pending", frag.ID)
	}
	if err := sqlitex.Execute(conn, `UPDATE workers SET current_fragment_id = ?
		WHERE id = ? AND current_fragment_id IS NULL`,
		&sqlitex.ExecOptions{Args: []any{frag.ID, workerID}}); err != nil {
		return fmt.Errorf("store: assigning worker %s: %w", workerID, err)
	}
	if conn.Changes() != 1 {
		return fmt.Errorf("store: assigning worker %s: worker already held a fragment", workerID)
	}
	return nil
}

// bubbleRunning transitions pending ancestor groups (and the chain, if
// parentID reaches the root) to running, stopping at the first
// ancestor already in a non-pending status.
func bubbleRunning(conn *sqlite.Conn, chain *model.Chain, parentID *string, now time.Time) error {
	for parentID != nil {
		parent, err := queryFragment(conn, *parentID)
		if err != nil {
			return err
		}
		if parent.Status != model.FragmentPending {
			return nil
		}
		if err := sqlitex.Execute(conn, `UPDATE fragments SET status = 'running', started_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{now.UnixMilli(), parent.ID}}); err != nil {
			return fmt.Errorf("store: bubbling running status to %s: %w", parent.ID, err)
		}
		parentID = parent.ParentFragmentID
	}
	if chain.Status == model.ChainPending {
		if err := sqlitex.Execute(conn, `UPDATE chains SET status = 'running', started_at = ?, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{now.UnixMilli(), now.UnixMilli(), chain.ID}}); err != nil {
			return fmt.Errorf("store: bubbling running status to chain %s: %w", chain.ID, err)
		}
	}
	return nil
}

// ReportResult ingests a worker's result for a fragment it believes it
// holds. Returns ok=false (spec.md §4.2 "not_assigned") without error
// when the fragment is not currently running and assigned to workerID
// — including an already-terminal fragment, which makes this operation
// idempotent for late/duplicate reports.
func (s *Store) ReportResult(ctx context.Context, workerID, fragmentID string, exitCode int, errMsg string, now time.Time, maxAttempts int) (ok bool, err error) {
	err = s.withImmediateTx(ctx, func(conn *sqlite.Conn) error {
		frag, qerr := queryFragment(conn, fragmentID)
		if qerr == ErrNotFound {
			ok = false
			return nil
		}
		if qerr != nil {
			return qerr
		}
		if frag.Status != model.FragmentRunning || frag.AssignedWorkerID == nil || *frag.AssignedWorkerID != workerID {
			ok = false
			return nil
		}

		if err := clearWorkerAssignment(conn, workerID, fragmentID); err != nil {
			return err
		}

		if exitCode == 0 {
			if err := sqlitex.Execute(conn, `UPDATE fragments SET status = 'completed',
				completed_at = ?, exit_code = 0, error_message = '' WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{now.UnixMilli(), fragmentID}}); err != nil {
				return fmt.Errorf("store: completing fragment %s: %w", fragmentID, err)
			}
			ok = true
			return rollupTerminal(conn, frag.ChainID, frag.ParentFragmentID, now)
		}

		newAttempt := frag.Attempt + 1
		if newAttempt < maxAttempts {
			if err := sqlitex.Execute(conn, `UPDATE fragments SET status = 'pending',
				assigned_worker_id = NULL, started_at = NULL, attempt = ? WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{int64(newAttempt), fragmentID}}); err != nil {
				return fmt.Errorf("store: requeuing fragment %s: %w", fragmentID, err)
			}
			ok = true
			return nil
		}

		if err := sqlitex.Execute(conn, `UPDATE fragments SET status = 'failed',
			completed_at = ?, exit_code = ?, error_message = ?, attempt = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{now.UnixMilli(), int64(exitCode), errMsg, int64(newAttempt), fragmentID}}); err != nil {
			return fmt.Errorf("store: failing fragment %s: %w", fragmentID, err)
		}
		ok = true

		if err := skipLaterSiblingsIfSequential(conn, frag, now); err != nil {
			return err
		}
		return rollupTerminal(conn, frag.ChainID, frag.ParentFragmentID, now)
	})
	return ok, err
}

func clearWorkerAssignment(conn *sqlite.Conn, workerID, fragmentID string) error {
	if err := sqlitex.Execute(conn, `UPDATE workers SET current_fragment_id = NULL
		WHERE id = ? AND current_fragment_id = ?`,
		&sqlitex.ExecOptions{Args: []any{workerID, fragmentID}}); err != nil {
		return fmt.Errorf("store: clearing worker %s assignment: %w", workerID, err)
	}
	return nil
}

// requeueOrFailFragment applies the same retry/fail policy as
// ReportResult's non-zero-exit-code branch, for the liveness sweeper
// (spec.md §4.2 step 2, "applies the same max-attempts policy as a
// failed report").
func requeueOrFailFragment(conn *sqlite.Conn, fragmentID string, now time.Time, maxAttempts int, reason string) error {
	frag, err := queryFragment(conn, fragmentID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	if frag.Status.Terminal() {
		return nil
	}

	newAttempt := frag.Attempt + 1
	if newAttempt < maxAttempts {
		return sqlitex.Execute(conn, `UPDATE fragments SET status = 'pending',
			assigned_worker_id = NULL, started_at = NULL, attempt = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{int64(newAttempt), fragmentID}})
	}

	if err := sqlitex.Execute(conn, `UPDATE fragments SET status = 'failed',
		completed_at = ?, error_message = ?, attempt = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{now.UnixMilli(), reason, int64(newAttempt), fragmentID}}); err != nil {
		return fmt.Errorf("store: failing fragment %s after sweep: %w", fragmentID, err)
	}

	if err := skipLaterSiblingsIfSequential(conn, frag, now); err != nil {
		return err
	}
	return rollupTerminal(conn, frag.ChainID, frag.ParentFragmentID, now)
}

func skipLaterSiblingsIfSequential(conn *sqlite.Conn, frag *model.Fragment, now time.Time) error {
	parallel, err := parentIsParallel(conn, frag.ParentFragmentID)
	if err != nil {
		return err
	}
	if parallel {
		return nil
	}

	siblings, err := queryChildren(conn, frag.ParentFragmentID, frag.ChainID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.Sequence <= frag.Sequence {
			continue
		}
		if sib.Status != model.FragmentPending {
			continue
		}
		if err := skipSubtree(conn, sib.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// skipSubtree marks frag and every non-terminal descendant as skipped,
// then propagates rollup upward. Idempotent: a no-op if frag is
// already terminal.
func skipSubtree(conn *sqlite.Conn, fragmentID string, now time.Time) error {
	frag, err := queryFragment(conn, fragmentID)
	if err != nil {
		return err
	}
	if frag.Status.Terminal() {
		return nil
	}

	if err := sqlitex.Execute(conn, `UPDATE fragments SET status = 'skipped',
		completed_at = ?, assigned_worker_id = NULL WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{now.UnixMilli(), fragmentID}}); err != nil {
		return fmt.Errorf("store: skipping fragment %s: %w", fragmentID, err)
	}

	children, err := queryChildren(conn, &fragmentID, frag.ChainID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := skipSubtree(conn, child.ID, now); err != nil {
			return err
		}
	}

	return rollupTerminal(conn, frag.ChainID, frag.ParentFragmentID, now)
}

// rollupTerminal recomputes the status of parentID (a group) from its
// children, and if it resolves to a terminal status, recurses to its
// own parent; when parentID is nil it recomputes the chain's status
// from its root-level fragments. Stops as soon as a level does not
// resolve to terminal, since nothing further up can change yet.
func rollupTerminal(conn *sqlite.Conn, chainID string, parentID *string, now time.Time) error {
	if parentID == nil {
		return rollupChain(conn, chainID, now)
	}

	group, err := queryFragment(conn, *parentID)
	if err != nil {
		return err
	}
	if group.Status.Terminal() {
		return nil
	}

	children, err := queryChildren(conn, parentID, chainID)
	if err != nil {
		return err
	}
	status, terminal := rollupStatus(children)
	if !terminal {
		return nil
	}

	fragStatus := model.FragmentCompleted
	if status == model.ChainFailed {
		fragStatus = model.FragmentFailed
	}
	if err := sqlitex.Execute(conn, `UPDATE fragments SET status = ?, completed_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(fragStatus), now.UnixMilli(), group.ID}}); err != nil {
		return fmt.Errorf("store: rolling up group %s: %w", group.ID, err)
	}

	return rollupTerminal(conn, chainID, group.ParentFragmentID, now)
}

func rollupChain(conn *sqlite.Conn, chainID string, now time.Time) error {
	chain, err := queryChain(conn, chainID)
	if err != nil {
		return err
	}
	if chain.Status.Terminal() {
		return nil
	}

	roots, err := queryChildren(conn, nil, chainID)
	if err != nil {
		return err
	}
	status, terminal := rollupStatus(roots)
	if !terminal {
		return nil
	}
	return sqlitex.Execute(conn, `UPDATE chains SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(status), now.UnixMilli(), now.UnixMilli(), chainID}})
}

// rollupStatus implements spec.md §4.2's rollup rule: a scope is
// completed iff every child is completed or skipped; failed iff any
// child is failed. Returns terminal=false if neither holds yet.
func rollupStatus(children []*model.Fragment) (model.ChainStatus, bool) {
	if len(children) == 0 {
		return model.ChainCompleted, true
	}
	allComplete := true
	anyFailed := false
	for _, c := range children {
		if c.Status == model.FragmentFailed {
			anyFailed = true
		}
		if !c.Status.RollsUpAsComplete() {
			allComplete = false
		}
	}
	switch {
	case anyFailed:
		return model.ChainFailed, true
	case allComplete:
		return model.ChainCompleted, true
	default:
		return "", false
	}
}
