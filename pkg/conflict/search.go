package conflict

import (
	"log/slog"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
	"github.com/ajaxrace/ajaxrace/pkg/graph"
	"github.com/ajaxrace/ajaxrace/pkg/modes"
)

// Search tests every ordered pair of graphs, (i, i) included.
func Search(graphs []*graph.Graph) *Matrix {
	m := NewMatrix(len(graphs))
	for i, g := range graphs {
		for j, o := range graphs {
			if g.HasLikelyAJAXConflictWith(o) {
				m.Set(i, j)
			}
		}
	}
	return m
}

// Plan prepares a graph per trace, searches for conflicts and returns one
// pair to replay per marked cell.
func Plan(traces []modes.HandlerTrace, logger *slog.Logger) ([]modes.PairSpec, *Matrix, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conflict")

	graphs := make([]*graph.Graph, len(traces))
	for i, ht := range traces {
		g, err := prepare(ht)
		if err != nil {
			return nil, nil, errors.Wrapf(err, errors.CodeInvalidTrace, "trace %d (%s)", i, ht.Identity).
				WithContext("index", i)
		}
		graphs[i] = g
	}

	m := Search(graphs)
	pairs := make([]modes.PairSpec, 0, m.Count())
	for _, p := range m.Pairs() {
		pairs = append(pairs, modes.PairSpec{
			ID:     PairID(p[0], p[1]),
			First:  traces[p[0]].Identity,
			Second: traces[p[1]].Identity,
		})
	}
	logger.Info("planned replays", "handlers", len(traces), "pairs", len(pairs))
	return pairs, m, nil
}

func prepare(ht modes.HandlerTrace) (g *graph.Graph, err error) {
	if ht.Trace == nil {
		return nil, errors.New(errors.CodeInvalidTrace, "missing trace")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Recovered(r)
		}
	}()
	return graph.Prepare(ht.Trace), nil
}
