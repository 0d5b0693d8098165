package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVExporterRender(t *testing.T) {
	out, err := NewCSVExporter().Render(Dataset{
		Headers: []string{"from", "to"},
		Rows:    []map[string]string{{"from": "pending", "to": "in_progress"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from,to\npending,in_progress\n", string(out))
}

func TestCSVExporterRequiresHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	require.Error(t, err)
}

func TestPDFExporterRenderDocument(t *testing.T) {
	out, err := NewPDFExporter().RenderDocument(Document{
		Title:    "Organic Certificate",
		Subtitle: "Basmati Rice",
		Fields: []DocumentField{
			{Label: "Transaction", Value: strings.Repeat("ab", 32), Kind: KindHash},
			{Label: "Verify", Value: "https://example.org/verify/1", Kind: KindQR},
			{Label: "Farm", Value: "Plot 7", Kind: KindText},
		},
		Footer: "Issued by the certification authority",
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestPDFExporterRenderTable(t *testing.T) {
	out, err := NewPDFExporter().Render(Dataset{
		Headers: []string{"from", "to"},
		Rows:    []map[string]string{{"from": "approved", "to": "certified"}},
	}, "History")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
