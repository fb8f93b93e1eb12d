// Package verify implements the judge call DeepThink runs after every
// candidate solution: an LLM is asked for a structured verdict, with a
// permissive parsing fallback for judges that don't honor the schema, plus
// an optional advisory arithmetic sanity check that never overrides the
// judge on its own.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/invopop/jsonschema"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/kestrelai/depth/internal/providers"
	"github.com/kestrelai/depth/internal/types"
)

// Verdict is the structured shape a judge call is asked to return.
type Verdict struct {
	Pass       bool     `json:"pass" jsonschema_description:"Whether the solution is fully correct."`
	Confidence float64  `json:"confidence" jsonschema_description:"0.0 to 1.0 confidence in this verdict."`
	Reasons    []string `json:"reasons,omitempty" jsonschema_description:"Why the solution passes, if it does."`
	Issues     []string `json:"issues,omitempty" jsonschema_description:"Specific problems found, if it doesn't."`
}

var verdictSchema = mustSchema(Verdict{})

func mustSchema(v any) *providers.ResponseSchema {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("verify: building verdict schema: %v", err))
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		panic(fmt.Sprintf("verify: decoding verdict schema: %v", err))
	}
	return &providers.ResponseSchema{Name: "verdict", Schema: asMap}
}

// Judge asks provider/model to verify solution against problem, returning a
// structured Verdict. If the provider doesn't honor response_schema (or
// returns malformed JSON despite it), parseVerdict falls back to a
// permissive first-token scan. seed, when non-nil, is threaded through so a
// caller re-verifying the same candidate can force a fresh sample rather
// than risk an identical cached judgement.
func Judge(ctx context.Context, provider providers.Provider, model, problem, solution string, seed *int64) (types.VerificationLog, types.UsageStats, error) {
	prompt := judgePrompt(problem, solution)
	result, err := provider.Chat(ctx, model, []types.Message{{Role: types.RoleUser, Content: prompt}}, providers.Params{ResponseSchema: verdictSchema, Seed: seed})
	if err != nil {
		return types.VerificationLog{}, types.UsageStats{}, fmt.Errorf("verify: judge call failed: %w", err)
	}

	verdict, parseErr := parseVerdict(result.Text)
	log := types.VerificationLog{
		Verdict:    verdictLabel(verdict.Pass),
		Confidence: verdict.Confidence,
		Reasons:    verdict.Reasons,
		Issues:     verdict.Issues,
		Pass:       verdict.Pass,
	}
	if parseErr != nil {
		log.Issues = append(log.Issues, fmt.Sprintf("judge response could not be parsed as structured JSON: %v", parseErr))
	}
	return log, result.Usage, nil
}

func judgePrompt(problem, solution string) string {
	return fmt.Sprintf(`You are verifying a candidate solution to a problem. Respond with a JSON object matching the requested schema.

# PROBLEM

%s

# CANDIDATE SOLUTION

%s

Check correctness rigorously. If you find any flaw, issue, or unjustified step, set pass to false and explain in issues.`, problem, solution)
}

func verdictLabel(pass bool) string {
	if pass {
		return "pass"
	}
	return "fail"
}

// parseVerdict tries strict JSON decoding first, then the JSON inside any
// fenced code block, then the span from the first '{' to the last '}', and
// finally scans the response's first line for a yes/pass/correct token — the
// permissive path a judge that ignored the schema still needs to succeed
// through.
func parseVerdict(text string) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}

	// Some models wrap JSON in a fenced code block despite instructions.
	// Walk the markdown AST rather than scanning for braces by hand, so a
	// stray '{' in prose outside the block can't derail the parse.
	for _, block := range fencedCodeBlocks(text) {
		if err := json.Unmarshal([]byte(block), &v); err == nil {
			return v, nil
		}
	}

	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &v); err == nil {
			return v, nil
		}
	}

	firstLine := strings.ToLower(strings.TrimSpace(firstLineOf(text)))
	pass := strings.HasPrefix(firstLine, "yes") || strings.HasPrefix(firstLine, "pass") || strings.HasPrefix(firstLine, "correct")
	fail := strings.HasPrefix(firstLine, "no") || strings.HasPrefix(firstLine, "fail") || strings.HasPrefix(firstLine, "incorrect")
	if !pass && !fail {
		return Verdict{Pass: false, Confidence: 0}, fmt.Errorf("could not determine pass/fail from response")
	}
	return Verdict{Pass: pass, Confidence: 0.5}, nil
}

// fencedCodeBlocks returns the raw text of every fenced code block in a
// markdown document, in document order.
func fencedCodeBlocks(source string) []string {
	src := []byte(source)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		for i := 0; i < fcb.Lines().Len(); i++ {
			line := fcb.Lines().At(i)
			buf.Write(line.Value(src))
		}
		blocks = append(blocks, strings.TrimSpace(buf.String()))
		return ast.WalkContinue, nil
	})
	return blocks
}

func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// SanityCheck evaluates a simple arithmetic/boolean expression (expected to
// have been extracted from the solution text by the caller) against expr-lang.
// It is advisory only: its result is never folded into a judge's Verdict and
// never flips its Pass on its own, since expression extraction from free
// text is itself unreliable.
func SanityCheck(expression string) (ok bool, detail string) {
	program, err := expr.Compile(expression)
	if err != nil {
		return false, fmt.Sprintf("expression could not be compiled: %v", err)
	}
	result, err := expr.Run(program, nil)
	if err != nil {
		return false, fmt.Sprintf("expression could not be evaluated: %v", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Sprintf("expression did not evaluate to a boolean (got %v)", result)
	}
	if !b {
		return false, fmt.Sprintf("expression evaluated to false: %s", expression)
	}
	return true, ""
}

// MajorityVote runs n independent judge calls in parallel and passes only
// if at least (n/2)+1 of them pass. It exists for the higher-stakes
// verification tier UltraThink uses before accepting a synthesis.
func MajorityVote(ctx context.Context, provider providers.Provider, model, problem, solution string, n int) (bool, []types.VerificationLog, types.UsageStats, error) {
	logs := make([]types.VerificationLog, n)
	usages := make([]types.UsageStats, n)
	errs := make([]error, n)

	type result struct {
		idx   int
		log   types.VerificationLog
		usage types.UsageStats
		err   error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			seed := int64(idx)
			log, usage, err := Judge(ctx, provider, model, problem, solution, &seed)
			results <- result{idx: idx, log: log, usage: usage, err: err}
		}(i)
	}
	for i := 0; i < n; i++ {
		r := <-results
		logs[r.idx], usages[r.idx], errs[r.idx] = r.log, r.usage, r.err
	}

	var total types.UsageStats
	passCount := 0
	var firstErr error
	for i := 0; i < n; i++ {
		total.Add(usages[i])
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
			continue
		}
		if logs[i].Pass {
			passCount++
		}
	}
	if firstErr != nil && passCount == 0 {
		return false, logs, total, firstErr
	}

	majority := passCount*2 > n
	return majority, logs, total, nil
}
