// Package superflash loads a dynamic-partition flashing plan — a JSON list
// of pre-split images already resolved to absolute LUN/sector addresses —
// and drives it through a connection.Engine (spec.md §4.G flashMultiple /
// flashSuperSplit; splitting super.img itself is out of scope per spec.md
// Non-goals, so the plan is expected to arrive pre-split from an external
// tool).
package superflash

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"qdl/pkg/edl"
)

// Plan is the on-disk JSON shape for a flashing plan.
type Plan struct {
	Tasks []edl.FlashTask `json:"tasks"`
}

// LoadPlan reads a Plan from path.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, &edl.Error{Op: "superflash.LoadPlan", Kind: edl.KindIO, Err: err}
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, &edl.Error{Op: "superflash.LoadPlan", Kind: edl.KindBadImage, Err: fmt.Errorf("parse plan: %w", err)}
	}
	return p, nil
}

// Flasher drives a Plan through an engine that exposes FlashMultiple —
// connection.Engine satisfies this narrow interface without superflash
// importing the connection package directly.
type Flasher interface {
	FlashMultiple(ctx context.Context, tasks []edl.FlashTask, progress edl.ByteProgress) error
}

// Apply runs every task in plan through eng, aggregating byte progress
// across the whole plan.
func Apply(ctx context.Context, eng Flasher, plan Plan, progress edl.ByteProgress) error {
	if len(plan.Tasks) == 0 {
		return &edl.Error{Op: "superflash.Apply", Kind: edl.KindBadImage, Err: fmt.Errorf("empty flashing plan")}
	}
	return eng.FlashMultiple(ctx, plan.Tasks, progress)
}
