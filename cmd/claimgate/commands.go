package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
	"github.com/Mindburn-Labs/claimgate/pkg/gates"
	"github.com/Mindburn-Labs/claimgate/pkg/pipeline"
)

// runEvaluateCmd implements `claimgate evaluate`.
//
// Exit codes:
//
//	0 = PUBLISH
//	1 = DEFER, ESCALATE, REFUSE or a structurally invalid bundle
//	2 = runtime error
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		policyPath string
		tool       string
		argsJSON   string
		action     string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to claim bundle JSON (REQUIRED)")
	cmd.StringVar(&policyPath, "policy", os.Getenv("POLICY_FILE"), "Policy YAML (default: built-in policy)")
	cmd.StringVar(&tool, "tool", "", "Tool the bundle's action will invoke")
	cmd.StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	cmd.StringVar(&action, "action", "", "Action description passed to the guardian")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	raw, err := readFile(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var toolArgs map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --args: %v\n", err)
			return 2
		}
	}

	policy, err := loadPolicy(policyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	svc, err := buildLocalService(policy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	b, err := contracts.DecodeBundle(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid bundle: %v\n", err)
		return 1
	}

	res, err := svc.Evaluate(context.Background(), b, pipeline.Options{
		Tool:      tool,
		Arguments: toolArgs,
		Request:   gates.RequestInfo{Transport: gates.TransportStdio},
		Action:    action,
	})
	switch {
	case errors.Is(err, contracts.ErrInvalidBundle):
		_, _ = fmt.Fprintf(stderr, "Invalid bundle: %v\n", err)
		return 1
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return 2
		}
	} else {
		printResult(stdout, res)
	}

	if res.Bundle.Decision != contracts.DecisionPublish {
		return 1
	}
	return 0
}

func printResult(w io.Writer, res *pipeline.Result) {
	b := res.Bundle
	_, _ = fmt.Fprintf(w, "Bundle:   %s (agent %s)\n", b.ID, b.OriginAgent.ID)
	_, _ = fmt.Fprintf(w, "Decision: %s\n", b.Decision)
	_, _ = fmt.Fprintf(w, "Reason:   %s\n", b.Reason)
	if b.EscalateTo != "" {
		_, _ = fmt.Fprintf(w, "Escalate: %s\n", b.EscalateTo)
	}
	_, _ = fmt.Fprintln(w, "Gates:")
	for _, g := range res.Run.ReasoningPath {
		mark := "PASS"
		if !g.Passed {
			mark = "FAIL"
		}
		_, _ = fmt.Fprintf(w, "  [%s] %-15s %-8s %s\n", mark, g.Gate, g.Decision, g.Reason)
	}
	_, _ = fmt.Fprintf(w, "Digest:   %s\n", res.Run.Digest)
}

// runValidateCmd implements `claimgate validate`: schema and structural
// checks only, no gates.
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	bundlePath := cmd.String("bundle", "", "Path to claim bundle JSON (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	raw, err := readFile(*bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	b, err := contracts.DecodeBundle(raw)
	if err != nil {
		var verr *contracts.ValidationError
		if errors.As(err, &verr) {
			_, _ = fmt.Fprintf(stdout, "INVALID: %d issue(s)\n", len(verr.Issues))
			for _, issue := range verr.Issues {
				_, _ = fmt.Fprintf(stdout, "  - %s\n", issue)
			}
		} else {
			_, _ = fmt.Fprintf(stdout, "INVALID: %v\n", err)
		}
		return 1
	}

	digest, err := b.Digest()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "OK: bundle %s, %d claim(s), max risk tier %s\n", b.ID, len(b.Claims), b.MaxRiskTier())
	_, _ = fmt.Fprintf(stdout, "Digest: %s\n", digest)
	return 0
}

// runPolicyCmd implements `claimgate policy`: load, validate and print the
// effective policy with defaults filled in.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	file := cmd.String("file", os.Getenv("POLICY_FILE"), "Policy YAML (default: built-in policy)")
	jsonOutput := cmd.Bool("json", false, "Output as JSON instead of YAML")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	p, err := loadPolicy(*file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "Invalid policy: %v\n", err)
		return 1
	}
	if _, err := p.ToolRegistry(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid policy: %v\n", err)
		return 1
	}
	if _, err := p.GuardianScorer(nil); err != nil {
		_, _ = fmt.Fprintf(stderr, "Invalid policy: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(p); err != nil {
			return 2
		}
		return 0
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_ = enc.Close()
	return 0
}
