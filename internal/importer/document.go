package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hitoshi/linkbox/internal/bookmark"
)

// documentError はエンベロープの構造が不正であることを表す。
type documentError struct {
	reason string
}

func (e *documentError) Error() string {
	return e.reason
}

func invalidDocument(format string, args ...any) error {
	return &documentError{reason: fmt.Sprintf(format, args...)}
}

// itemFunc はitems配列の各要素を受け取る。エラーを返すと走査を中断する。
type itemFunc func(index int, raw json.RawMessage) error

// scanDocument はコレクション文書をトークン単位で読み進め、items配列の要素をonItemに渡す。
// onItemがnilの場合は要素を読み飛ばしてエンベロープだけを検証する。
// キーの順序は問わないため、エンベロープ全体の検証はonItemなしの走査で先に行うこと。
func scanDocument(r io.Reader, onItem itemFunc) (int, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return 0, invalidDocument("JSONとして読み取れません: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return 0, invalidDocument("ルート要素がオブジェクトではありません")
	}

	var hasContext, isCollection, hasItems bool
	count := 0
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return count, invalidDocument("JSONとして読み取れません: %v", err)
		}
		key, _ := keyTok.(string)

		switch key {
		case "@context":
			var v any
			if err := dec.Decode(&v); err != nil {
				return count, invalidDocument("@context を読み取れません: %v", err)
			}
			hasContext = bookmark.HasActivityStreamsContext(v)
		case "type":
			var v any
			if err := dec.Decode(&v); err != nil {
				return count, invalidDocument("type を読み取れません: %v", err)
			}
			isCollection = v == "Collection"
		case "items":
			n, err := scanItems(dec, onItem)
			count += n
			if err != nil {
				return count, err
			}
			hasItems = true
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return count, invalidDocument("%s を読み取れません: %v", key, err)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return count, invalidDocument("JSONとして読み取れません: %v", err)
	}

	switch {
	case !hasContext:
		return count, invalidDocument("@context に %s が含まれていません", bookmark.ActivityStreamsContext)
	case !isCollection:
		return count, invalidDocument("type が Collection ではありません")
	case !hasItems:
		return count, invalidDocument("items 配列がありません")
	}
	return count, nil
}

func scanItems(dec *json.Decoder, onItem itemFunc) (int, error) {
	tok, err := dec.Token()
	if err != nil {
		return 0, invalidDocument("items を読み取れません: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return 0, invalidDocument("items が配列ではありません")
	}

	n := 0
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return n, invalidDocument("items[%d] を読み取れません: %v", n, err)
		}
		if onItem != nil {
			if err := onItem(n, raw); err != nil {
				return n, err
			}
		}
		n++
	}
	if _, err := dec.Token(); err != nil {
		return n, invalidDocument("items を読み取れません: %v", err)
	}
	return n, nil
}

// isDocumentError はエンベロープ不正によるエラーかを返す。
func isDocumentError(err error) bool {
	var de *documentError
	return errors.As(err, &de)
}
