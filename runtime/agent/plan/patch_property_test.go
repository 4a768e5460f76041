package plan

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEmptyPatchIdempotentProperty verifies that applying an empty patch
// returns a plan equal to the input.
func TestEmptyPatchIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("empty patch returns an equal plan", prop.ForAll(
		func(p *Plan) bool {
			next, err := Apply(p, nil)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(p, next)
		},
		genValidPlan(),
	))

	properties.TestingRun(t)
}

// TestAddRemoveRoundTripProperty verifies that adding a task and then
// removing it restores the original plan, whatever the insertion anchor.
func TestAddRemoveRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("add then remove restores the original plan", prop.ForAll(
		func(p *Plan, anchorSeed int) bool {
			task := Task{
				ID:              "roundtrip",
				Title:           "temporary",
				SuccessCriteria: []SuccessCriterion{{Kind: CriterionFileExists, Path: "tmp.txt"}},
				TaskType:        TaskBuild,
			}
			var anchor string
			if idx := anchorSeed % (len(p.Tasks) + 1); idx < len(p.Tasks) {
				anchor = p.Tasks[idx].ID
			}
			next, err := Apply(p, []PatchOp{
				{Op: OpAddTask, Task: &task, AfterTaskID: anchor},
				{Op: OpRemoveTask, TaskID: "roundtrip"},
			})
			if err != nil {
				return false
			}
			return reflect.DeepEqual(p, next)
		},
		genValidPlan(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// TestPatchPreservesInvariantsProperty verifies that any patch Apply accepts
// yields a plan that still passes Validate.
func TestPatchPreservesInvariantsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("successful application preserves plan invariants", prop.ForAll(
		func(p *Plan, seeds []opSeed) bool {
			patch := make([]PatchOp, 0, len(seeds))
			for _, s := range seeds {
				patch = append(patch, s.toOp(p))
			}
			next, err := Apply(p, patch)
			if err != nil {
				// Rejected patches must leave the input untouched.
				return Validate(p) == nil
			}
			return Validate(next) == nil
		},
		genValidPlan(),
		gen.SliceOfN(3, genOpSeed()),
	))

	properties.TestingRun(t)
}

// TestGeneratedPlansAreValid sanity-checks the generator itself.
func TestGeneratedPlansAreValid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generator only produces valid plans", prop.ForAll(
		func(p *Plan) bool {
			return Validate(p) == nil
		},
		genValidPlan(),
	))

	properties.TestingRun(t)
}

// Generators

var genTaskTypes = []TaskType{
	TaskBuild, TaskCodegen, TaskTest, TaskDebug, TaskVerify,
	TaskRepair, TaskDesign, TaskMaterialize, TaskOther,
}

// opSeed drives construction of a single patch op against a concrete plan.
// Targets are resolved by index so generated ops mix valid and dangling
// references.
type opSeed struct {
	kind   int
	target int
	anchor int
}

func (s opSeed) toOp(p *Plan) PatchOp {
	targetID := func(idx int) string {
		if n := len(p.Tasks); idx%(n+1) < n {
			return p.Tasks[idx%(n+1)].ID
		}
		return "ghost"
	}
	switch s.kind % 6 {
	case 0:
		task := Task{
			ID:              fmt.Sprintf("x%d", s.target),
			Title:           "generated",
			SuccessCriteria: []SuccessCriterion{{Kind: CriterionFileExists, Path: "gen.txt"}},
			TaskType:        genTaskTypes[s.anchor%len(genTaskTypes)],
		}
		var anchor string
		if s.anchor%2 == 0 {
			anchor = targetID(s.anchor)
		}
		return PatchOp{Op: OpAddTask, Task: &task, AfterTaskID: anchor}
	case 1:
		return PatchOp{Op: OpRemoveTask, TaskID: targetID(s.target)}
	case 2:
		return PatchOp{Op: OpEditTask, TaskID: targetID(s.target), Changes: map[string]any{"title": "edited"}}
	case 3:
		return PatchOp{Op: OpReorder, TaskID: targetID(s.target), AfterTaskID: targetID(s.anchor)}
	case 4:
		return PatchOp{Op: OpEditAcceptance, Changes: map[string]any{"locked": s.target%2 == 0}}
	default:
		return PatchOp{Op: OpEditTechStack, Changes: map[string]any{"locked": s.anchor%2 == 0}}
	}
}

func genOpSeed() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 5),
		gen.IntRange(0, 12),
		gen.IntRange(0, 12),
	).Map(func(vals []any) opSeed {
		return opSeed{
			kind:   vals[0].(int),
			target: vals[1].(int),
			anchor: vals[2].(int),
		}
	})
}

// genValidPlan generates plans that satisfy Validate: sequential task ids,
// dependencies only on earlier tasks, at least one criterion per task, and an
// optional milestone covering a prefix of the tasks.
func genValidPlan() gopter.Gen {
	return gen.IntRange(1, 6).FlatMap(func(n any) gopter.Gen {
		numTasks := n.(int)
		return gopter.CombineGens(
			gen.SliceOfN(numTasks, gen.IntRange(0, 63)),
			gen.SliceOfN(numTasks, gen.IntRange(0, len(genTaskTypes)-1)),
			gen.SliceOfN(numTasks, gen.IntRange(0, 3)),
			gen.IntRange(0, numTasks),
			gen.Bool(),
			gen.Bool(),
		).Map(func(vals []any) *Plan {
			return buildGeneratedPlan(
				numTasks,
				vals[0].([]int),
				vals[1].([]int),
				vals[2].([]int),
				vals[3].(int),
				vals[4].(bool),
				vals[5].(bool),
			)
		})
	}, reflect.TypeOf(&Plan{}))
}

func buildGeneratedPlan(numTasks int, depMasks, typeIdxs, critIdxs []int, milestoneSize int, accLocked, techLocked bool) *Plan {
	p := &Plan{
		Version:          Version,
		Goal:             "generated goal",
		AcceptanceLocked: accLocked,
		TechStackLocked:  techLocked,
	}
	for i := 0; i < numTasks; i++ {
		task := Task{
			ID:       fmt.Sprintf("t%d", i+1),
			Title:    fmt.Sprintf("task %d", i+1),
			TaskType: genTaskTypes[typeIdxs[i]],
		}
		for j := 0; j < i; j++ {
			if depMasks[i]&(1<<j) != 0 {
				task.Dependencies = append(task.Dependencies, fmt.Sprintf("t%d", j+1))
			}
		}
		switch critIdxs[i] {
		case 0:
			task.SuccessCriteria = []SuccessCriterion{{Kind: CriterionCommand, Cmd: "true"}}
		case 1:
			task.SuccessCriteria = []SuccessCriterion{{Kind: CriterionFileExists, Path: fmt.Sprintf("out/t%d.txt", i+1)}}
		case 2:
			task.SuccessCriteria = []SuccessCriterion{{Kind: CriterionFileContains, Path: fmt.Sprintf("out/t%d.txt", i+1), Contains: "ok"}}
		default:
			task.SuccessCriteria = []SuccessCriterion{{Kind: CriterionToolResult, ToolName: "tool_write_file"}}
		}
		p.Tasks = append(p.Tasks, task)
	}
	if milestoneSize > 0 {
		ms := Milestone{ID: "m1", Title: "generated milestone"}
		for i := 0; i < milestoneSize; i++ {
			ms.TaskIDs = append(ms.TaskIDs, fmt.Sprintf("t%d", i+1))
		}
		p.Milestones = []Milestone{ms}
	}
	return p
}
