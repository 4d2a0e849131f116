package textract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/memory-pipeline/internal/agent/document"
)

type fakeAPI struct {
	out   *textract.AnalyzeDocumentOutput
	err   error
	input *textract.AnalyzeDocumentInput
}

func (f *fakeAPI) AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, _ ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error) {
	f.input = in
	return f.out, f.err
}

func word(id, text string) types.Block {
	return types.Block{Id: aws.String(id), BlockType: types.BlockTypeWord, Text: aws.String(text)}
}

func children(ids ...string) []types.Relationship {
	return []types.Relationship{{Type: types.RelationshipTypeChild, Ids: ids}}
}

func cell(id string, row, col int32, wordIDs ...string) types.Block {
	return types.Block{
		Id: aws.String(id), BlockType: types.BlockTypeCell,
		RowIndex: aws.Int32(row), ColumnIndex: aws.Int32(col),
		Relationships: children(wordIDs...),
	}
}

func TestProcessor_Process(t *testing.T) {
	blocks := []types.Block{
		{Id: aws.String("l1"), BlockType: types.BlockTypeLine, Text: aws.String("Invoice 42"), Confidence: aws.Float32(99)},
		{Id: aws.String("l2"), BlockType: types.BlockTypeLine, Text: aws.String("smudge"), Confidence: aws.Float32(20)},
		word("w1", "Item"), word("w2", "Price"), word("w3", "Tea"), word("w4", "3.50"),
		cell("c1", 1, 1, "w1"), cell("c2", 1, 2, "w2"), cell("c3", 2, 1, "w3"), cell("c4", 2, 2, "w4"),
		{Id: aws.String("t1"), BlockType: types.BlockTypeTable, Relationships: children("c1", "c2", "c3", "c4")},
		word("w5", "Total"), word("w6", "3.50"),
		{
			Id: aws.String("k1"), BlockType: types.BlockTypeKeyValueSet, EntityTypes: []types.EntityType{types.EntityTypeKey},
			Relationships: []types.Relationship{
				{Type: types.RelationshipTypeChild, Ids: []string{"w5"}},
				{Type: types.RelationshipTypeValue, Ids: []string{"v1"}},
			},
		},
		{Id: aws.String("v1"), BlockType: types.BlockTypeKeyValueSet, EntityTypes: []types.EntityType{types.EntityTypeValue}, Relationships: children("w6")},
	}
	api := &fakeAPI{out: &textract.AnalyzeDocumentOutput{Blocks: blocks}}
	p := NewProcessorWithClient(api, DefaultOptions(), nil)

	chunks, err := p.Process(context.Background(), strings.NewReader("png bytes"))
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, "Invoice 42", chunks[0].Content)
	assert.Equal(t, "text", chunks[0].Metadata[document.MetaType])
	assert.Equal(t, "Item | Price\nTea | 3.50", chunks[1].Content)
	assert.Equal(t, 2, chunks[1].Metadata["rows"])
	assert.Equal(t, "Total: 3.50", chunks[2].Content)

	assert.Equal(t, []byte("png bytes"), api.input.Document.Bytes)
	assert.ElementsMatch(t, []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms}, api.input.FeatureTypes)
}

func TestProcessor_ClientError(t *testing.T) {
	p := NewProcessorWithClient(&fakeAPI{err: errors.New("throttled")}, DefaultOptions(), nil)
	_, err := p.Process(context.Background(), strings.NewReader("x"))
	assert.ErrorContains(t, err, "throttled")
}

func TestProcessor_CanProcess(t *testing.T) {
	p := NewProcessorWithClient(&fakeAPI{}, DefaultOptions(), nil)
	assert.True(t, p.CanProcess("image/PNG"))
	assert.False(t, p.CanProcess("application/pdf"))
}
