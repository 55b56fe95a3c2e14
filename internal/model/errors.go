// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UI層に返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, inbox, bookmark, import, source, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodePermissionDenied        = "PERMISSION_DENIED"
	ErrCodeBookmarkNotFound        = "BOOKMARK_NOT_FOUND"
	ErrCodeInboxItemNotFound       = "INBOX_ITEM_NOT_FOUND"
	ErrCodeImportJobNotFound       = "IMPORT_JOB_NOT_FOUND"
	ErrCodeInvalidURL              = "INVALID_URL"
	ErrCodeInvalidImportDocument   = "INVALID_IMPORT_DOCUMENT"
	ErrCodeImportFileTooLarge      = "IMPORT_FILE_TOO_LARGE"
	ErrCodeInvalidImportTransition = "INVALID_IMPORT_TRANSITION"
	ErrCodeSystemTagProtected      = "SYSTEM_TAG_PROTECTED"
	ErrCodeInvalidFilter           = "INVALID_FILTER"
	ErrCodeUnsupportedFormat       = "UNSUPPORTED_FORMAT"
	ErrCodeUserNotFound            = "USER_NOT_FOUND"
	ErrCodeSourceAccountNotFound   = "SOURCE_ACCOUNT_NOT_FOUND"
	ErrCodeInvalidTimeline         = "INVALID_TIMELINE"
	ErrCodeSourceAuthFailed        = "SOURCE_AUTH_FAILED"
	ErrCodeDuplicateBookmark       = "DUPLICATE_BOOKMARK"
)

// NewPermissionDeniedError は所有者以外による操作を拒否するエラーを生成する。
func NewPermissionDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "自分が所有するデータに対してのみ操作できます。",
	}
}

// NewBookmarkNotFoundError はブックマーク未検出エラーを生成する。
func NewBookmarkNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeBookmarkNotFound,
		Message:  fmt.Sprintf("指定されたブックマークが見つかりません: %s", id),
		Category: "bookmark",
		Action:   "ブックマークIDを確認してください。",
	}
}

// NewInboxItemNotFoundError はインボックスアイテム未検出エラーを生成する。
func NewInboxItemNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeInboxItemNotFound,
		Message:  fmt.Sprintf("指定されたインボックスアイテムが見つかりません: %s", id),
		Category: "inbox",
		Action:   "アイテムIDを確認してください。",
	}
}

// NewImportJobNotFoundError はインポートジョブ未検出エラーを生成する。
func NewImportJobNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeImportJobNotFound,
		Message:  fmt.Sprintf("指定されたインポートジョブが見つかりません: %s", id),
		Category: "import",
		Action:   "インポートジョブIDを確認してください。",
	}
}

// NewInvalidURLError は正規化できないURLのエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "スキームとホストを含むURL（例: https://example.com/）を指定してください。",
	}
}

// NewInvalidImportDocumentError はインポート文書の構造エラーを生成する。
func NewInvalidImportDocumentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidImportDocument,
		Message:  fmt.Sprintf("インポート文書が不正です: %s", reason),
		Category: "import",
		Action:   "ActivityStreams形式のCollection文書をアップロードしてください。",
	}
}

// NewImportFileTooLargeError はインポートファイルのサイズ超過エラーを生成する。
func NewImportFileTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeImportFileTooLarge,
		Message:  fmt.Sprintf("インポートファイルが上限（%dバイト）を超えています。", limit),
		Category: "import",
		Action:   "ファイルを分割してからアップロードしてください。",
	}
}

// NewInvalidImportTransitionError はインポートジョブの不正な状態遷移エラーを生成する。
func NewInvalidImportTransitionError(from ImportStatus, op string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidImportTransition,
		Message:  fmt.Sprintf("状態 %s のインポートジョブには %s を実行できません。", from, op),
		Category: "import",
		Action:   "ジョブの状態を確認してください。",
	}
}

// NewSystemTagProtectedError はシステムタグの削除要求を拒否するエラーを生成する。
func NewSystemTagProtectedError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeSystemTagProtected,
		Message:  fmt.Sprintf("システムタグは削除できません: %s", name),
		Category: "validation",
		Action:   "ユーザーが作成したタグのみ削除できます。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", reason),
		Category: "validation",
		Action:   "sort には newest または oldest を指定してください。",
	}
}

// NewUnsupportedFormatError は未対応のエクスポート形式エラーを生成する。
func NewUnsupportedFormatError(format string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedFormat,
		Message:  fmt.Sprintf("未対応のエクスポート形式です: %s", format),
		Category: "validation",
		Action:   "activitystreams を指定してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewSourceAccountNotFoundError はソースアカウント未検出エラーを生成する。
func NewSourceAccountNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceAccountNotFound,
		Message:  fmt.Sprintf("指定されたソースアカウントが見つかりません: %s", id),
		Category: "source",
		Action:   "アカウントIDを確認してください。",
	}
}

// NewInvalidTimelineError はタイムラインの種類や設定の誤りを表すエラーを生成する。
func NewInvalidTimelineError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimeline,
		Message:  fmt.Sprintf("タイムラインの設定が不正です: %s", reason),
		Category: "validation",
		Action:   "home, local, public, hashtag, list のいずれかを指定し、hashtagにはタグ名、listにはリストIDを設定してください。",
	}
}

// NewSourceAuthFailedError はソーシャルサーバーが資格情報を受け付けなかったエラーを生成する。
func NewSourceAuthFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceAuthFailed,
		Message:  fmt.Sprintf("ソーシャルサーバーで資格情報を確認できませんでした: %s", reason),
		Category: "source",
		Action:   "サーバーのアドレスとアクセストークンを確認してください。",
	}
}

// NewDuplicateBookmarkError はURL変更先が同じユーザーの別ブックマークと重なるエラーを生成する。
func NewDuplicateBookmarkError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateBookmark,
		Message:  fmt.Sprintf("同じURLのブックマークが既にあります: %s", url),
		Category: "bookmark",
		Action:   "既存のブックマークを編集するか、先に削除してください。",
	}
}

// ErrorKind は上流ソース（フィード・ソーシャルタイムライン）の失敗種別を表す。
type ErrorKind string

const (
	// ErrorKindTransient はタイムアウト、5xx、接続リセットなど次回のポーリングで再試行する失敗。
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindAuthExpired は上流が認証情報を拒否した失敗。
	ErrorKindAuthExpired ErrorKind = "auth_expired"
	// ErrorKindPermanentConfig は未知のタイムライン種別や必須設定の欠落など設定起因の失敗。
	ErrorKindPermanentConfig ErrorKind = "permanent_config"
)

// SourceError は上流ソースとの通信失敗を種別付きで表す。
type SourceError struct {
	Kind       ErrorKind
	StatusCode int // HTTPステータス（通信前の失敗では0）
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewTransientError は一時的な失敗を生成する。
func NewTransientError(statusCode int, err error) *SourceError {
	return &SourceError{Kind: ErrorKindTransient, StatusCode: statusCode, Err: err}
}

// NewAuthExpiredError は認証失効を生成する。
func NewAuthExpiredError(statusCode int, err error) *SourceError {
	return &SourceError{Kind: ErrorKindAuthExpired, StatusCode: statusCode, Err: err}
}

// NewPermanentConfigError は設定起因の恒久的な失敗を生成する。
func NewPermanentConfigError(err error) *SourceError {
	return &SourceError{Kind: ErrorKindPermanentConfig, Err: err}
}

// ErrorKindOf はエラーの失敗種別を返す。
// SourceErrorでないエラー（タイムアウトやコンテキスト期限切れを含む）はtransientとして扱う。
func ErrorKindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindTransient
}
