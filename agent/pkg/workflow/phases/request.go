package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

// Interpreter restates the user's request as an analysis brief.
type Interpreter struct {
	cfg *Config
}

func (p *Interpreter) Execute(ctx context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	request := state.Get(workflow.KeyUserRequest)
	narrate.Say(string(workflow.PhaseRequestInterpreter), "Interpreting the request")

	brief, err := p.cfg.complete(ctx, p.cfg.Prompts.Interpreter, "", request)
	if err != nil {
		return workflow.PhaseOutput{}, err
	}
	p.cfg.logInfo("phases: request interpreted", "len", len(brief))
	return workflow.PhaseOutput{Value: strings.TrimSpace(brief)}, nil
}

// GapDetector asks the LLM for a completeness verdict on the brief. The raw
// reply is stored; the controller's gate reads it.
type GapDetector struct {
	cfg *Config
}

func (p *GapDetector) Execute(ctx context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	brief := state.Get(workflow.KeyInterpretedRequest)
	if brief == "" {
		brief = state.Get(workflow.KeyUserRequest)
	}

	user := fmt.Sprintf("Original request:\n%s\n\nAnalysis brief:\n%s", state.Get(workflow.KeyUserRequest), brief)
	reply, err := p.cfg.complete(ctx, p.cfg.Prompts.GapDetector, "", user)
	if err != nil {
		return workflow.PhaseOutput{}, err
	}

	verdict := workflow.ParseVerdict(reply)
	if verdict.Sufficient {
		narrate.Say(string(workflow.PhaseInformationGapDetector), "The request looks complete (confidence %.2f)", verdict.Confidence)
	} else {
		narrate.Say(string(workflow.PhaseInformationGapDetector), "The request is missing details (confidence %.2f)", verdict.Confidence)
	}
	return workflow.PhaseOutput{Value: strings.TrimSpace(reply)}, nil
}

// Clarifier turns the gap verdict into questions for the user. It does not
// call the LLM.
type Clarifier struct{}

func (p *Clarifier) Execute(_ context.Context, state workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	verdict := workflow.ParseVerdict(state.Get(workflow.KeyInformationGapAnalysis))
	questions := workflow.ClarificationQuestions(verdict)
	narrate.Say(string(workflow.PhaseUserConfirmation), "Prepared %d clarification questions", len(questions))
	return workflow.PhaseOutput{
		Value: workflow.FormatClarificationRequest(state.Get(workflow.KeyUserRequest), questions),
	}, nil
}
