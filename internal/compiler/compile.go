// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package compiler converts a parsed workflow document (internal/workflowdef)
// into a chain record and a flat, pre-order list of fragment records ready
// for atomic insertion into the store, per spec.md §4.1.
package compiler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vulcan-ci/vulcan/internal/model"
	"github.com/vulcan-ci/vulcan/internal/workflowdef"
)

// supportedVersion is the only workflow document version this compiler
// accepts.
const supportedVersion = "0.1"

// Context carries the submission-time provenance and environment the
// compiler needs: tenant identity, where the document came from, and
// the trigger that is currently firing (used for TriggerMismatch
// checks and as $TRIGGER at dispatch-condition evaluation time).
type Context struct {
	TenantID      string
	SourcePath    string
	RepositoryURL string
	CommitSHA     string
	Branch        string
	Trigger       model.TriggerKind // empty means "no trigger check"
	TriggerRef    string

	// NewID generates identifiers for the chain and each fragment. If
	// nil, uuid.NewString is used. Tests may substitute a deterministic
	// generator.
	NewID func() string

	// Now stamps the chain's CreatedAt/UpdatedAt. If nil, time.Now is
	// used. Tests may substitute a fixed value for deterministic
	// assertions.
	Now func() time.Time
}

var validTriggers = map[string]bool{
	"push":         true,
	"pull_request": true,
	"tag":          true,
	"schedule":     true,
	"manual":       true,
}

// Compile parses-validates-flattens src into a Chain and its ordered
// Fragments. Compile is deterministic and pure given a deterministic
// fetcher (Design Notes §9).
func Compile(ctx context.Context, src string, cctx Context, fetcher ImportFetcher) (*model.Chain, []*model.Fragment, error) {
	doc, err := workflowdef.Parse(src)
	if err != nil {
		if pe, ok := err.(*workflowdef.ParseError); ok {
			return nil, nil, wrapErr(InvalidSyntax, pe.Line, err, "%s", pe.Msg)
		}
		return nil, nil, wrapErr(InvalidSyntax, 0, err, "parse error")
	}

	versionNode := doc.Child("version")
	if versionNode == nil {
		return nil, nil, newErr(MissingRequired, 0, "document is missing a top-level 'version' node")
	}
	version := versionNode.Arg(0)
	if version == "" {
		return nil, nil, newErr(MissingRequired, versionNode.Line, "'version' node has no argument")
	}
	if version != supportedVersion {
		// UnsupportedVersion: folded into InvalidSyntax (see DESIGN.md).
		return nil, nil, newErr(InvalidSyntax, versionNode.Line,
			"unsupported version %q (UnsupportedVersion; this compiler accepts only %q)", version, supportedVersion)
	}

	triggersNode := doc.Child("triggers")
	if triggersNode == nil {
		return nil, nil, newErr(MissingRequired, 0, "document is missing a top-level 'triggers' node")
	}
	declaredTriggers := make(map[string]bool, len(triggersNode.Args))
	for _, t := range triggersNode.Args {
		declaredTriggers[t] = true
	}

	if cctx.Trigger != "" {
		if !validTriggers[string(cctx.Trigger)] {
			return nil, nil, newErr(InvalidSyntax, triggersNode.Line, "unknown trigger kind %q in submission context", cctx.Trigger)
		}
		if !declaredTriggers[string(cctx.Trigger)] {
			return nil, nil, newErr(TriggerMismatch, triggersNode.Line,
				"trigger %q is not declared in this document's 'triggers' list", cctx.Trigger)
		}
	}

	chainNode := doc.Child("chain")
	if chainNode == nil {
		return nil, nil, newErr(MissingRequired, 0, "document is missing a top-level 'chain' block")
	}
	machineNode := chainNode.Child("machine")
	if machineNode == nil || machineNode.Arg(0) == "" {
		return nil, nil, newErr(MissingRequired, chainNode.Line, "'chain' block is missing a 'machine' default")
	}
	defaultMachine := machineNode.Arg(0)

	newID := cctx.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	now := time.Now
	if cctx.Now != nil {
		now = cctx.Now
	}
	stamp := now()

	chain := &model.Chain{
		ID:             newID(),
		TenantID:       cctx.TenantID,
		Status:         model.ChainPending,
		Attempt:        1,
		SourcePath:     cctx.SourcePath,
		RepositoryURL:  cctx.RepositoryURL,
		CommitSHA:      cctx.CommitSHA,
		Branch:         cctx.Branch,
		TriggerKind:    cctx.Trigger,
		TriggerRef:     cctx.TriggerRef,
		DefaultMachine: defaultMachine,
		CreatedAt:      stamp,
		UpdatedAt:      stamp,
	}

	b := &builder{
		ctx:     ctx,
		chain:   chain,
		fetcher: fetcher,
		newID:   newID,
	}

	childNodes := nonMachineChildren(chainNode)
	seq := 0
	if err := b.processChildren(childNodes, nil, &seq, defaultMachine, map[string]bool{}, ""); err != nil {
		return nil, nil, err
	}

	return chain, b.fragments, nil
}

func nonMachineChildren(chainNode *workflowdef.Node) []*workflowdef.Node {
	var out []*workflowdef.Node
	for _, c := range chainNode.Children {
		if c.Name == "machine" {
			continue
		}
		out = append(out, c)
	}
	return out
}

type builder struct {
	ctx       context.Context
	chain     *model.Chain
	fetcher   ImportFetcher
	newID     func() string
	fragments []*model.Fragment
}

// processChildren walks one parent scope's children in source order,
// appending fragments to b.fragments and advancing *seq as it goes.
// Imports expanded via a `from` without a condition splice their
// produced siblings into the very same scope, sharing the same seq
// counter, so sequence numbers stay dense regardless of import
// expansion; a `from` with a condition is wrapped in a group instead
// (see processFragment).
func (b *builder) processChildren(nodes []*workflowdef.Node, parentID *string, seq *int, inheritedMachine string, visited map[string]bool, sourceURL string) error {
	for _, node := range nodes {
		switch node.Name {
		case "fragment":
			if err := b.processFragment(node, parentID, seq, inheritedMachine, visited, sourceURL); err != nil {
				return err
			}
		case "parallel":
			if err := b.processParallel(node, parentID, seq, inheritedMachine, visited, sourceURL); err != nil {
				return err
			}
		default:
			return newErr(InvalidSyntax, node.Line, "unexpected node %q (expected 'fragment' or 'parallel')", node.Name)
		}
	}
	return nil
}

func (b *builder) processParallel(node *workflowdef.Node, parentID *string, seq *int, inheritedMachine string, visited map[string]bool, sourceURL string) error {
	groupID := b.newID()
	mySeq := *seq
	*seq++

	condition := ""
	if c := node.Child("condition"); c != nil {
		condition = c.Arg(0)
	}

	group := &model.Fragment{
		ID:               groupID,
		ChainID:          b.chain.ID,
		ParentFragmentID: parentID,
		Sequence:         mySeq,
		Kind:             model.KindGroup,
		IsParallel:       true,
		Condition:        condition,
		SourceURL:        sourceURL,
		Status:           model.FragmentPending,
		Attempt:          1,
	}
	b.fragments = append(b.fragments, group)

	childSeq := 0
	children := namedChildren(node, "fragment", "parallel")
	return b.processChildren(children, &groupID, &childSeq, inheritedMachine, visited, sourceURL)
}

func namedChildren(node *workflowdef.Node, names ...string) []*workflowdef.Node {
	return filterNodes(node.Children, names...)
}

func filterNodes(nodes []*workflowdef.Node, names ...string) []*workflowdef.Node {
	allow := make(map[string]bool, len(names))
	for _, n := range names {
		allow[n] = true
	}
	var out []*workflowdef.Node
	for _, c := range nodes {
		if allow[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

func (b *builder) processFragment(node *workflowdef.Node, parentID *string, seq *int, inheritedMachine string, visited map[string]bool, sourceURL string) error {
	runNode := node.Child("run")
	fromNode := node.Child("from")

	if runNode != nil && fromNode != nil {
		return newErr(MutualExclusion, node.Line, "fragment has both 'run' and 'from'")
	}
	if runNode == nil && fromNode == nil {
		return newErr(MutualExclusion, node.Line, "fragment has neither 'run' nor 'from'")
	}

	var ownMachine string
	if m := node.Child("machine"); m != nil {
		ownMachine = m.Arg(0)
	}
	effectiveMachine := ownMachine
	if effectiveMachine == "" {
		effectiveMachine = inheritedMachine
	}

	condition := ""
	if c := node.Child("condition"); c != nil {
		condition = c.Arg(0)
	}

	if runNode != nil {
		script := runNode.Arg(0)
		if effectiveMachine == "" {
			return newErr(NoMachine, node.Line, "inline fragment has no own or inherited machine group")
		}
		mySeq := *seq
		*seq++
		b.fragments = append(b.fragments, &model.Fragment{
			ID:               b.newID(),
			ChainID:          b.chain.ID,
			ParentFragmentID: parentID,
			Sequence:         mySeq,
			Kind:             model.KindInline,
			RunScript:        script,
			Machine:          ownMachine,
			Condition:        condition,
			SourceURL:        sourceURL,
			Status:           model.FragmentPending,
			Attempt:          1,
		})
		return nil
	}

	// from case: splice the imported document's fragments in as
	// siblings of this node, in this same parent scope.
	url := fromNode.Arg(0)
	if !validURL(url) {
		return newErr(InvalidURL, fromNode.Line, "invalid import URL %q", url)
	}
	if visited[url] {
		return newErr(CircularImport, fromNode.Line, "circular import: %s", url)
	}

	body, err := b.fetcher.Fetch(b.ctx, url)
	if err != nil {
		if err == ErrImportsDisabled {
			return wrapErr(ImportsDisabled, fromNode.Line, err, "imports are disabled, cannot resolve %s", url)
		}
		return wrapErr(FetchFailed, fromNode.Line, err, "fetching %s", url)
	}

	importDoc, err := workflowdef.Parse(body)
	if err != nil {
		return wrapErr(InvalidSyntax, fromNode.Line, err, "parsing imported document %s", url)
	}

	nextVisited := make(map[string]bool, len(visited)+1)
	for k := range visited {
		nextVisited[k] = true
	}
	nextVisited[url] = true

	imported := filterNodes(importDoc.Nodes, "fragment", "parallel")
	if len(imported) != len(importDoc.Nodes) {
		return newErr(InvalidSyntax, fromNode.Line, "imported document %s must contain only 'fragment'/'parallel' nodes", url)
	}

	if condition == "" {
		// No condition on the wrapping fragment: splice the imported
		// fragments directly into this scope as plain siblings, so
		// sequence numbers stay dense regardless of import expansion.
		return b.processChildren(imported, parentID, seq, inheritedMachine, nextVisited, url)
	}

	// A condition on a `from`-wrapping fragment (spec.md §6's own
	// example) must gate every fragment the import produces. Splicing
	// them in flat would drop it, since only groups and inline
	// fragments carry a Condition column. Wrap the import in a
	// synthetic, non-parallel group fragment carrying the condition,
	// the same device processParallel uses for a `parallel` block's
	// own condition — dispatch readiness then honors it through the
	// ordinary ancestor-condition walk (evaluateReadiness in
	// internal/store).
	groupID := b.newID()
	mySeq := *seq
	*seq++

	b.fragments = append(b.fragments, &model.Fragment{
		ID:               groupID,
		ChainID:          b.chain.ID,
		ParentFragmentID: parentID,
		Sequence:         mySeq,
		Kind:             model.KindGroup,
		Condition:        condition,
		SourceURL:        url,
		Status:           model.FragmentPending,
		Attempt:          1,
	})

	childSeq := 0
	return b.processChildren(imported, &groupID, &childSeq, inheritedMachine, nextVisited, url)
}
