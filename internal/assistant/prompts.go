package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quirehq/quire/internal/collection"
	"github.com/quirehq/quire/internal/schema"
	"github.com/quirehq/quire/internal/usecase"
)

const editorPrompt = `You maintain the user's collections of structured documents.

Read before you write: look up the collection and its documents before creating or changing anything.
Document content must match the collection schema exactly.
When create_document reports DuplicateDocumentDetected, show the user the candidates and ask whether to
update an existing document instead. Only pass skip_duplicate_check when the user confirms the new
document is distinct.
When create_document_version reports DocumentVersionConflict, fetch the document again and reapply the
change to the latest version.
When the request is fully handled, answer briefly, or call complete_conversation if there is nothing to add.`

const readerPrompt = `You answer questions about the user's collections of structured documents.

You can only read. If the user asks for a change, explain that this assistant cannot modify documents.
Quote document content accurately and say so when the collections do not contain the answer.`

// userContext renders the collections visible to the assistant and the
// current time.
func userContext(ctx context.Context, env *usecase.Env) (string, error) {
	cs, err := env.Tx.Collections().List(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\n", env.Now().Format(time.RFC3339))
	if len(cs) == 0 {
		b.WriteString("There are no collections yet.")
		return b.String(), nil
	}
	b.WriteString("Collections:\n")
	for _, c := range cs {
		l, err := collection.Load(ctx, env, c.ID)
		if err != nil {
			return "", err
		}
		count, err := env.Tx.Documents().CountInCollection(ctx, c.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n- %s (id %s, %d documents)", c.Name, c.ID, count)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
		writeFields(&b, l.Schema)
	}
	return b.String(), nil
}

func writeFields(b *strings.Builder, s *schema.Schema) {
	for _, line := range strings.Split(s.Summarize(), "\n") {
		if line != "" {
			b.WriteString("    " + line + "\n")
		}
	}
}
