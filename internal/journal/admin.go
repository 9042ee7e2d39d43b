package journal

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/conveyor/internal/httputil"
	"github.com/banshee-data/conveyor/internal/monitoring"
	"github.com/banshee-data/conveyor/internal/sequencer"
)

// RunDetail is a run with everything recorded about it.
type RunDetail struct {
	Run
	Transitions []sequencer.Transition `json:"transitions"`
	Calls       []sequencer.Call       `json:"calls"`
	Detection   *sequencer.Detection   `json:"detection,omitempty"`
}

// AttachAdminRoutes mounts the journal debug routes: live SQL, the run list,
// a single run and a compressed backup.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(j.path), j.DB, &tailsql.DBOptions{
			Label: "Run journal",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("runs", "Recent sequencer runs (?limit=N, ?id=RUN)", http.HandlerFunc(j.handleRuns))
	debug.Handle("journal-backup", "Download a gzipped copy of the journal", http.HandlerFunc(j.handleBackup))
}

func (j *Journal) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ctx := r.Context()

	if id := r.URL.Query().Get("id"); id != "" {
		detail, err := j.runDetail(r, id)
		if errors.Is(err, ErrRunNotFound) {
			httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, detail)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := j.Runs(ctx, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

func (j *Journal) runDetail(r *http.Request, id string) (RunDetail, error) {
	ctx := r.Context()
	run, err := j.Run(ctx, id)
	if err != nil {
		return RunDetail{}, err
	}
	d := RunDetail{Run: run}
	if d.Transitions, err = j.Transitions(ctx, id); err != nil {
		return RunDetail{}, err
	}
	if d.Calls, err = j.Calls(ctx, id); err != nil {
		return RunDetail{}, err
	}
	if d.Detection, err = j.Detection(ctx, id); err != nil {
		return RunDetail{}, err
	}
	return d, nil
}

func (j *Journal) handleBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "journal-backup")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)

	name := fmt.Sprintf("journal-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := j.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.Logf("failed to stream journal backup: %v", err)
	}
}
