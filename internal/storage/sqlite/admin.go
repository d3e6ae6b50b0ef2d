package sqlite

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/csi-sense/internal/httputil"
	"github.com/banshee-data/csi-sense/internal/monitoring"
)

const defaultListLimit = 100

// AttachAdminRoutes mounts tailsql, a backup download and JSON listings of
// recent results under /debug/ on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "CSI results",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))

	debug.HandleFunc("positions", "Recent position estimates (JSON)", func(w http.ResponseWriter, r *http.Request) {
		ps, err := db.RecentPositions(httputil.QueryLimit(r, defaultListLimit))
		httputil.WriteResult(w, ps, err)
	})
	debug.HandleFunc("periodicity", "Recent periodicity estimates (JSON, ?hw=)", func(w http.ResponseWriter, r *http.Request) {
		rs, err := db.RecentPeriodicity(r.URL.Query().Get("hw"), httputil.QueryLimit(r, defaultListLimit))
		httputil.WriteResult(w, rs, err)
	})
	debug.HandleFunc("activity", "Recent motion levels (JSON, ?hw=)", func(w http.ResponseWriter, r *http.Request) {
		as, err := db.RecentActivity(r.URL.Query().Get("hw"), httputil.QueryLimit(r, defaultListLimit))
		httputil.WriteResult(w, as, err)
	})
	debug.HandleFunc("link-events", "Recent subscription transitions (JSON, ?hw=)", func(w http.ResponseWriter, r *http.Request) {
		es, err := db.LinkEvents(r.URL.Query().Get("hw"), httputil.QueryLimit(r, defaultListLimit))
		httputil.WriteResult(w, es, err)
	})
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("csi-results-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("%d-%s", time.Now().UnixNano(), name))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Warnf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Errorf("Failed to stream backup: %v", err)
	}
}
