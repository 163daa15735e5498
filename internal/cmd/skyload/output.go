package skyload

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/albertocavalcante/skyload/internal/cli"
	"github.com/albertocavalcante/skyload/internal/starlarkmod"
)

func (s *session) printValues(ids []string, values []any) error {
	if s.opts.jsonOut {
		data, err := marshalJSON(ids, values)
		if err != nil {
			return err
		}
		cli.WriteBytes(s.stdout, data)
		cli.Writeln(s.stdout)
		return nil
	}
	for i, id := range ids {
		cli.Writef(s.stdout, "%s = %s\n", id, formatValue(values[i], ""))
	}
	return nil
}

// marshalJSON renders the values as one JSON object keyed by module id.
func marshalJSON(ids []string, values []any) ([]byte, error) {
	fields := make(map[string]any, len(ids))
	for i, id := range ids {
		fields[id] = starlarkmod.ToGo(values[i])
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding values: %w", err)
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
}

// formatValue renders a module value in Starlark literal syntax with map keys
// sorted. A non-empty indent puts every element on its own line.
func formatValue(v any, indent string) string {
	var b strings.Builder
	writeValue(&b, starlarkmod.ToGo(v), indent, "")
	return b.String()
}

func writeValue(b *strings.Builder, v any, indent, prefix string) {
	switch x := v.(type) {
	case nil:
		b.WriteString("None")
	case bool:
		if x {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		b.WriteString(strconv.Quote(x))
	case []any:
		writeSeq(b, "[", "]", len(x), indent, prefix, func(i int, inner string) {
			writeValue(b, x[i], indent, inner)
		})
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeSeq(b, "{", "}", len(keys), indent, prefix, func(i int, inner string) {
			b.WriteString(strconv.Quote(keys[i]))
			b.WriteString(": ")
			writeValue(b, x[keys[i]], indent, inner)
		})
	default:
		fmt.Fprint(b, x)
	}
}

func writeSeq(b *strings.Builder, open, closing string, n int, indent, prefix string, elem func(i int, inner string)) {
	b.WriteString(open)
	if n == 0 {
		b.WriteString(closing)
		return
	}
	inner := prefix + indent
	for i := 0; i < n; i++ {
		switch {
		case indent != "":
			b.WriteString("\n" + inner)
		case i > 0:
			b.WriteString(" ")
		}
		elem(i, inner)
		if i < n-1 || indent != "" {
			b.WriteString(",")
		}
	}
	if indent != "" {
		b.WriteString("\n" + prefix)
	}
	b.WriteString(closing)
}

// printGraph writes the registry, the waiting set and the execution queue.
func (s *session) printGraph(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	cli.Writeln(tw, "MODULE\tSTATE\tURL\tDEPS")
	for _, m := range s.l.Modules() {
		deps := make([]string, len(m.Deps))
		for i, d := range m.Deps {
			deps[i] = d.PQN
		}
		cli.Writef(tw, "%s\t%s\t%s\t%s\n", m.PQN, m.State(), orDash(m.URL), orDash(strings.Join(deps, " ")))
	}
	_ = tw.Flush()
	if waiting := s.l.Waiting(); len(waiting) > 0 {
		cli.Writef(w, "waiting: %s\n", strings.Join(waiting, " "))
	}
	if queued := s.l.Queued(); len(queued) > 0 {
		cli.Writef(w, "queued: %s\n", strings.Join(queued, " "))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
