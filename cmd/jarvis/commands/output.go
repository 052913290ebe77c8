package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/storage"
	"github.com/AITrekker/Jarvis/window"
)

// resultView is the printable form of a window result; embeddings are omitted
type resultView struct {
	Window  string   `json:"window" yaml:"window"`
	Start   string   `json:"start" yaml:"start"`
	End     string   `json:"end" yaml:"end"`
	Summary string   `json:"summary" yaml:"summary"`
	Score   *float64 `json:"score,omitempty" yaml:"score,omitempty"`
}

func viewOf(r window.Result) resultView {
	return resultView{
		Window:  string(r.WindowID),
		Start:   r.Start.Format(time.RFC3339),
		End:     r.End.Format(time.RFC3339),
		Summary: r.Summary,
	}
}

func viewsOf(results []window.Result) []resultView {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		views = append(views, viewOf(r))
	}
	return views
}

func scoredViews(hits []storage.ScoredResult, minScore float64) []resultView {
	views := make([]resultView, 0, len(hits))
	for _, h := range hits {
		if h.Score < minScore {
			continue
		}
		v := viewOf(h.Result)
		score := h.Score
		v.Score = &score
		views = append(views, v)
	}
	return views
}

// printResults renders views as a table, json or yaml
func printResults(views []resultView, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal results to JSON")
		}
		fmt.Println(string(data))
		return nil

	case "yaml":
		data, err := yaml.Marshal(views)
		if err != nil {
			return errors.Wrap(err, "failed to marshal results to YAML")
		}
		fmt.Print(string(data))
		return nil

	case "table", "":
		if len(views) == 0 {
			pterm.Info.Println("No results")
			return nil
		}
		header := []string{"Window", "Local time", "Summary"}
		scored := views[0].Score != nil
		if scored {
			header = append(header, "Score")
		}
		data := pterm.TableData{header}
		for _, v := range views {
			start, _ := time.Parse(time.RFC3339, v.Start)
			row := []string{v.Window, start.Local().Format("2006-01-02 15:04"), truncate(oneLine(v.Summary), 80)}
			if scored {
				row = append(row, fmt.Sprintf("%.3f", *v.Score))
			}
			data = append(data, row)
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return errors.Wrap(err, "failed to render table")
		}
		return nil

	default:
		return errors.Newf("unsupported format: %s (supported: table, json, yaml)", format)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
