package document

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quirehq/quire/internal/collection"
	"github.com/quirehq/quire/internal/usecase"
)

// blockingKeys runs the collection's key script against content. A
// collection without a script yields no keys. The script may return a
// string, an array of strings, or null; anything else, and any script
// failure, is an unexpected error.
func blockingKeys(ctx context.Context, env *usecase.Env, l collection.Loaded, content json.RawMessage) ([]string, error) {
	if l.KeyScript == nil {
		return nil, nil
	}
	var arg any
	if err := json.Unmarshal(content, &arg); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}

	out, execErr := env.Sandbox.ExecuteSyncFunction(ctx, l.KeyScript, []any{arg})
	if execErr != nil {
		return nil, fmt.Errorf("blocking key script of collection %s: %w", l.Collection.ID, execErr)
	}

	switch v := out.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		keys := make([]string, 0, len(v))
		for i, item := range v {
			switch k := item.(type) {
			case string:
				if k != "" {
					keys = append(keys, k)
				}
			case nil:
			default:
				return nil, fmt.Errorf("blocking key script of collection %s: element %d is %T, want string", l.Collection.ID, i, item)
			}
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("blocking key script of collection %s returned %T, want string array", l.Collection.ID, out)
	}
}
