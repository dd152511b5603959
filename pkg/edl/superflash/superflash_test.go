package superflash

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qdl/pkg/edl"
)

type fakeFlasher struct {
	tasks []edl.FlashTask
}

func (f *fakeFlasher) FlashMultiple(ctx context.Context, tasks []edl.FlashTask, progress edl.ByteProgress) error {
	f.tasks = tasks
	if progress != nil {
		progress(int64(len(tasks)), int64(len(tasks)))
	}
	return nil
}

func TestLoadPlanAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	content := `{"tasks":[
		{"partition_name":"system_a","source_path":"/tmp/system.img","lun":0,"start_sector_abs":100,"size_bytes":4096},
		{"partition_name":"vendor_a","source_path":"/tmp/vendor.img","lun":0,"start_sector_abs":200,"size_bytes":8192}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "system_a", plan.Tasks[0].PartitionName)
	assert.Equal(t, uint64(200), plan.Tasks[1].StartSectorAbs)

	flasher := &fakeFlasher{}
	var lastSent, lastTotal int64
	err = Apply(context.Background(), flasher, plan, func(sent, total int64) {
		lastSent, lastTotal = sent, total
	})
	require.NoError(t, err)
	assert.Equal(t, plan.Tasks, flasher.tasks)
	assert.Equal(t, int64(2), lastSent)
	assert.Equal(t, int64(2), lastTotal)
}

func TestApplyRejectsEmptyPlan(t *testing.T) {
	flasher := &fakeFlasher{}
	err := Apply(context.Background(), flasher, Plan{}, nil)
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, edl.KindBadImage, ee.Kind)
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, err := LoadPlan("/nonexistent/plan.json")
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, edl.KindIO, ee.Kind)
}
