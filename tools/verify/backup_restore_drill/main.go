// Command backup_restore_drill seeds a scratch database, backs it up with
// VACUUM INTO, reopens the copy and checks that runs, events, processed
// markers and state entries all survived. It prints key=value lines and a
// final VERDICT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/pipeline"
)

type drill struct {
	ctx  context.Context
	runs int
}

// must aborts the drill with a step-tagged error line.
func must(step string, err error) {
	if err != nil {
		fmt.Printf("%s_error=%v\n", step, err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
}

func (d drill) seed(store *persistence.Store) {
	for i := range d.runs {
		taskID := fmt.Sprintf("drill-%03d", i)
		_, err := store.AppendEvent(d.ctx, pipeline.Event{
			TaskID:   taskID,
			Topic:    pipeline.TopicTaskAllocated,
			Metadata: map[string]any{"title": "backup drill", "services": []string{"api"}},
		})
		must("append_event", err)
		must("create_run", store.CreateRun(d.ctx, &pipeline.Run{TaskID: taskID, State: pipeline.StateAllocated}))
		_, err = store.MarkProcessed(d.ctx, taskID+"-ev", taskID, "processed", "drill")
		must("mark_processed", err)
	}
	_, err := store.Set(d.ctx, "drill/marker", []byte("ok"), 0)
	must("set_state", err)
}

func main() {
	runs := flag.Int("runs", 40, "runs to seed before the backup")
	keep := flag.Bool("keep", false, "leave the scratch directory in place")
	flag.Parse()

	d := drill{ctx: context.Background(), runs: *runs}
	dir, err := os.MkdirTemp("", "conductor-backup-drill-*")
	must("mktemp", err)
	if *keep {
		fmt.Printf("scratch_dir=%s\n", dir)
	} else {
		defer os.RemoveAll(dir)
	}

	store, err := persistence.Open(filepath.Join(dir, "conductor.db"), nil)
	must("open_store", err)
	defer store.Close()
	d.seed(store)

	backupPath := filepath.Join(dir, "backup", "conductor.db")
	backupStart := time.Now()
	must("backup", store.Backup(d.ctx, backupPath))
	backupTook := time.Since(backupStart)

	restoreStart := time.Now()
	restored, err := persistence.Open(backupPath, nil)
	must("open_restore", err)
	defer restored.Close()
	restoreTook := time.Since(restoreStart)

	counts, err := restored.RunCounts(d.ctx)
	must("count_runs", err)
	events, err := restored.TotalEventCount(d.ctx)
	must("count_events", err)
	processed, err := restored.IsProcessed(d.ctx, "drill-000-ev")
	must("processed_lookup", err)
	_, marker, err := restored.Get(d.ctx, "drill/marker")
	must("get_state", err)

	fmt.Printf("backup_duration=%s\n", backupTook)
	fmt.Printf("restore_duration=%s\n", restoreTook)
	fmt.Printf("restored_runs=%d\n", counts[pipeline.StateAllocated])
	fmt.Printf("restored_events=%d\n", events)
	fmt.Printf("restored_processed_marker=%t\n", processed)
	fmt.Printf("restored_state_entry=%t\n", marker)

	if counts[pipeline.StateAllocated] != d.runs || events != int64(d.runs) || !processed || !marker {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
