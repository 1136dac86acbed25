package datalink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-datalink/config"
	"github.com/gigapi/gigapi-datalink/engine"
	"github.com/gigapi/gigapi-datalink/frame"
	"github.com/gigapi/gigapi-datalink/present"
)

func setup(t *testing.T, tune func(*config.Settings)) (*Handler, *present.Recorder, string) {
	t.Helper()
	settings := config.Default()
	if tune != nil {
		tune(settings)
	}
	rec := present.NewRecorder(nil)
	eng, err := engine.Open(context.Background(), settings, rec)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	ages := make([]any, 20)
	for i := range ages {
		ages[i] = int64(25 + i)
	}
	res, err := eng.Render(context.Background(), &frame.Frame{Columns: []frame.Column{
		{Name: "age", Type: frame.Int64, Values: ages},
	}})
	require.NoError(t, err)
	return NewHandler(eng, nil), rec, res.DisplayID
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()
	h, rec, id := setup(t, nil)

	tests := []struct {
		name    string
		msg     string
		want    *Response
		wantErr string
	}{
		{
			name: "resample",
			msg:  fmt.Sprintf(`{"display_id":%q,"filters":[{"column":"age","type":"integer","operator":"between","value":[30,40]}],"sample_size":100}`, id),
			want: &Response{Status: StatusOK, DisplayID: id},
		},
		{
			name: "wrapped resample",
			msg:  fmt.Sprintf(`{"content":{"data":{"display_id":%q,"filters":[],"sample_size":5}}}`, id),
			want: &Response{Status: StatusOK, DisplayID: id},
		},
		{
			name: "assign",
			msg:  fmt.Sprintf(`{"display_id":%q,"variable_name":"df","filters":[],"sample_size":10}`, id),
			want: &Response{Status: StatusOK, DisplayID: id, VariableName: "df"},
		},
		{
			name: "assign again is suffixed",
			msg:  fmt.Sprintf(`{"display_id":%q,"variable_name":"df","filters":[],"sample_size":10}`, id),
			want: &Response{Status: StatusOK, DisplayID: id, VariableName: "df_1"},
		},
		{
			name:    "unknown display",
			msg:     `{"display_id":"nope","filters":[],"sample_size":10}`,
			wantErr: `unknown display id "nope"`,
		},
		{
			name:    "invalid filter",
			msg:     fmt.Sprintf(`{"display_id":%q,"filters":[{"column":"age","type":"integer","operator":"between","value":[40]}]}`, id),
			wantErr: "between needs exactly two values",
		},
		{
			name: "no request",
			msg:  `{"content":{}}`,
		},
		{
			name:    "malformed",
			msg:     `{"display_id":`,
			wantErr: "invalid message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.HandleMessage(ctx, []byte(tt.msg))
			switch {
			case tt.wantErr != "":
				require.NotNil(t, resp)
				assert.Equal(t, StatusError, resp.Status)
				assert.Contains(t, resp.Error, tt.wantErr)
			case tt.want == nil:
				assert.Nil(t, resp)
			default:
				require.NotNil(t, resp)
				assert.Equal(t, *tt.want, *resp)
			}
		})
	}

	last, ok := rec.Last(id)
	require.True(t, ok)
	assert.True(t, last.Update)

	ns := h.Namespace().(*present.MapNamespace)
	v, ok := ns.Get("df")
	require.True(t, ok)
	assert.Equal(t, 10, v.(*frame.Frame).NumRows())
}

func TestAssignmentDisabled(t *testing.T) {
	h, _, id := setup(t, func(s *config.Settings) { s.EnableAssignment = false })
	resp := h.HandleAssign(context.Background(), AssignRequest{DisplayID: id, VariableName: "x"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "disabled")
	assert.False(t, h.Namespace().Has("x"))
}

type panicNamespace struct{}

func (panicNamespace) Has(string) bool { panic("namespace exploded") }
func (panicNamespace) Set(string, any) {}
func (panicNamespace) Bind(string, any) string { panic("namespace exploded") }

func TestPanicBecomesEnvelope(t *testing.T) {
	h, _, id := setup(t, nil)
	h.ns = panicNamespace{}
	resp := h.HandleAssign(context.Background(), AssignRequest{DisplayID: id, VariableName: "x"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "namespace exploded", resp.Error)
	assert.NotEmpty(t, resp.Traceback)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"traceback"`)
}

type memChannel struct {
	in  []string
	out []Response
}

func (c *memChannel) Receive(context.Context) ([]byte, error) {
	if len(c.in) == 0 {
		return nil, io.EOF
	}
	msg := c.in[0]
	c.in = c.in[1:]
	return []byte(msg), nil
}

func (c *memChannel) Send(_ context.Context, resp Response) error {
	c.out = append(c.out, resp)
	return nil
}

func TestServe(t *testing.T) {
	h, _, id := setup(t, nil)
	ch := &memChannel{in: []string{
		`{"hello":"world"}`,
		fmt.Sprintf(`{"display_id":%q,"filters":[]}`, id),
		fmt.Sprintf(`{"display_id":%q,"variable_name":"x","filters":[]}`, id),
	}}
	require.NoError(t, h.Serve(context.Background(), ch))
	require.Len(t, ch.out, 3)
	assert.Equal(t, StatusConnected, ch.out[0].Status)
	assert.Equal(t, StatusOK, ch.out[1].Status)
	assert.Equal(t, "x", ch.out[2].VariableName)
}
