package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cochaviz/xbuild/internal/recipe"
)

const logFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND

// runLogs owns the append-only run log and the per-stage logs of a run.
type runLogs struct {
	runPath string
	run     *os.File
	dir     string
	stages  map[recipe.Stage]*os.File
}

func openRunLogs(dir, runID string, started time.Time) (*runLogs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &LogError{Path: dir, Err: err}
	}
	name := fmt.Sprintf("run-%s-%s.log", started.UTC().Format("20060102T150405Z"), shortID(runID))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, logFlags, 0o644)
	if err != nil {
		return nil, &LogError{Path: path, Err: err}
	}
	return &runLogs{
		runPath: path,
		run:     f,
		dir:     dir,
		stages:  make(map[recipe.Stage]*os.File),
	}, nil
}

func (l *runLogs) stage(s recipe.Stage) (*os.File, error) {
	if f, ok := l.stages[s]; ok {
		return f, nil
	}
	path := filepath.Join(l.dir, string(s)+".log")
	f, err := os.OpenFile(path, logFlags, 0o644)
	if err != nil {
		return nil, &LogError{Path: path, Err: err}
	}
	l.stages[s] = f
	return f, nil
}

// segment writes the header of a recipe segment and returns a writer feeding
// both the run log and the stage log, plus the run log offset of the header.
func (l *runLogs) segment(runID string, r recipe.Recipe, at time.Time) (io.Writer, int64, error) {
	stageLog, err := l.stage(r.Stage)
	if err != nil {
		return nil, 0, err
	}

	offset, err := l.run.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, &LogError{Path: l.runPath, Err: err}
	}

	w := io.MultiWriter(l.run, stageLog)
	header := fmt.Sprintf("\n##### recipe %s stage=%s run=%s started=%s offset=%d\n",
		r.ID, r.Stage, runID, at.UTC().Format(time.RFC3339), offset)
	if _, err := io.WriteString(w, header); err != nil {
		return nil, 0, &LogError{Path: l.runPath, Err: err}
	}
	return w, offset, nil
}

func (l *runLogs) Close() error {
	var errs error
	for _, f := range l.stages {
		errs = errors.Join(errs, f.Close())
	}
	return errors.Join(errs, l.run.Close())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
