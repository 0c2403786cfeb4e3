package db

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vpsclient/internal/httputil"
)

// defaultChartLimit bounds how many attempts the debug charts load.
const defaultChartLimit = 500

// AttachAdminRoutes mounts the history debug pages under /debug/ on mux:
// tailsql over the database, a backup download, the attempt list as JSON, a
// confidence chart and a trajectory plot of reconciled map origins.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Localization history",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackup))

	debug.HandleSilentFunc("localization-history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		q, err := queryFromRequest(r)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		attempts, err := db.ListAttempts(q)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		summary, err := db.Summarize()
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"summary":  summary,
			"attempts": attempts,
		})
	})

	debug.HandleFunc("localization-confidence", "confidence of recent localizations", db.handleConfidenceChart)
	debug.HandleFunc("localization-trajectory", "reconciled map origins (PNG)", db.handleTrajectoryPlot)
	return nil
}

// queryFromRequest reads limit (default 500, max 10000) and outcome.
func queryFromRequest(r *http.Request) (AttemptQuery, error) {
	q := AttemptQuery{Limit: defaultChartLimit, Outcome: r.URL.Query().Get("outcome")}
	if q.Outcome != "" && q.Outcome != OutcomeSuccess && q.Outcome != OutcomeFailure {
		return q, fmt.Errorf("outcome must be %q or %q", OutcomeSuccess, OutcomeFailure)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > 10000 {
			return q, fmt.Errorf("invalid limit %q", l)
		}
		q.Limit = v
	}
	return q, nil
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	unixTime := time.Now().Unix()
	name := fmt.Sprintf("backup-%d.db", unixTime)
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			logger.Printf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		logger.Printf("Failed to write backup: %v", err)
	}
}

func (db *DB) handleConfidenceChart(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Outcome = OutcomeSuccess
	attempts, err := db.ListAttempts(q)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	x := make([]string, 0, len(attempts))
	conf := make([]opts.LineData, 0, len(attempts))
	dur := make([]opts.LineData, 0, len(attempts))
	for _, a := range attempts {
		x = append(x, a.Started().Format("15:04:05"))
		if a.Confidence != nil {
			conf = append(conf, opts.LineData{Value: *a.Confidence, Name: a.Trigger})
		} else {
			conf = append(conf, opts.LineData{Value: "-", Name: a.Trigger})
		}
		dur = append(dur, opts.LineData{Value: a.DurationMs})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Localization confidence", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Localization confidence", Subtitle: fmt.Sprintf("%d successful sessions", len(attempts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "confidence", Min: 0, Max: 1}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "duration (ms)"})
	line.SetXAxis(x).
		AddSeries("confidence", conf).
		AddSeries("duration", dur, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1}))

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// handleTrajectoryPlot draws the x/z ground-plane position of every
// reconciled map origin. A stable map shows a tight cluster; drift shows as a
// trail.
func (db *DB) handleTrajectoryPlot(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Outcome = OutcomeSuccess
	attempts, err := db.ListAttempts(q)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	wt, err := trajectoryPlot(attempts)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to draw plot: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		logger.Printf("failed to write trajectory plot: %v", err)
	}
}

func trajectoryPlot(attempts []*Attempt) (io.WriterTo, error) {
	p := plot.New()
	p.Title.Text = "Reconciled map origin (tracking space)"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, 0, len(attempts))
	for _, a := range attempts {
		if pp, ok := a.Pose(); ok {
			pts = append(pts, plotter.XY{X: pp.Position.X, Y: pp.Position.Z})
		}
	}

	if len(pts) > 0 {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Width = vg.Points(1)
		line.Color = color.RGBA{R: 120, G: 120, B: 120, A: 255}

		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, err
		}
		scatter.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}

		p.Add(line, scatter)
		p.Legend.Add(fmt.Sprintf("%d localizations", len(pts)), scatter)
		p.Legend.Top = true
	}

	return p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
}
