package policy

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
)

// Requirement はルートの認証要件を表す。値が大きいほど優先度が高い。
type Requirement int

const (
	// Inherited は上位の宣言に従うことを表す。最終的に未決定なら認証必須になる。
	Inherited Requirement = iota
	// Public は認証なしでのアクセスを許可する。
	Public
	// Protected は認証を必須とする。Public と同時に宣言されても常に優先される。
	Protected
)

// String は要件の名前を返す。
func (r Requirement) String() string {
	switch r {
	case Inherited:
		return "inherited"
	case Public:
		return "public"
	case Protected:
		return "protected"
	default:
		return fmt.Sprintf("requirement(%d)", int(r))
	}
}

// ParseRequirement は文字列から要件を解析する。
func ParseRequirement(s string) (Requirement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inherited":
		return Inherited, nil
	case "public":
		return Public, nil
	case "protected":
		return Protected, nil
	default:
		return Inherited, fmt.Errorf("不明な認証要件: %q", s)
	}
}

// Combine は2つの宣言を合成した要件を返す。
func (r Requirement) Combine(other Requirement) Requirement {
	if other > r {
		return other
	}
	return r
}

// Decision はトランスポート層ガードの判定結果。
type Decision int

const (
	// DecisionAuthenticate は認証が必須であることを表す。
	DecisionAuthenticate Decision = iota
	// DecisionAllow は認証なしで通過させることを表す。
	DecisionAllow
	// DecisionDelegate はプロトコル層のゲートに判定を委ねることを表す。
	DecisionDelegate
)

// Selector はルートを特定する。Method が空または "*" なら全メソッドに一致する。
// Path が "/*" で終わる場合はそのプレフィックス配下すべてに一致する。
type Selector struct {
	Method string
	Path   string
}

// matches はリクエストがセレクタに一致するかを返す。
func (s Selector) matches(method, path string) bool {
	if s.Method != "" && s.Method != "*" && !strings.EqualFold(s.Method, method) {
		return false
	}
	if prefix, ok := strings.CutSuffix(s.Path, "/*"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == s.Path
}

// Entry はセレクタと要件の組。
type Entry struct {
	Selector    Selector
	Requirement Requirement
}

// Table は起動時に構築するルートポリシーテーブル。
// 構築後は読み取りのみで、並行に参照してよい。
type Table struct {
	mu       sync.RWMutex
	entries  []Entry
	protocol map[string]struct{}
}

// NewTable はエントリからテーブルを生成する。
func NewTable(entries ...Entry) *Table {
	t := &Table{protocol: make(map[string]struct{})}
	t.entries = append(t.entries, entries...)
	return t
}

// Add はエントリを追加する。
func (t *Table) Add(entries ...Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entries...)
}

// MarkPublic は全メソッドの path を Public として宣言する。
func (t *Table) MarkPublic(path string) {
	t.Add(Entry{Selector: Selector{Method: "*", Path: path}, Requirement: Public})
}

// MarkProtected は全メソッドの path を Protected として宣言する。
func (t *Table) MarkProtected(path string) {
	t.Add(Entry{Selector: Selector{Method: "*", Path: path}, Requirement: Protected})
}

// RegisterProtocolEndpoint はクエリ言語のエントリポイントを登録する。
// このパスへのリクエストはトランスポート層では常に通過させる。
func (t *Table) RegisterProtocolEndpoint(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocol[path] = struct{}{}
}

// CleanPath はドットセグメントと重複したスラッシュを解決したパスを返す。
// 末尾のスラッシュは保つ。
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + strings.TrimLeft(p, "/"))
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// Resolve は一致するすべての宣言を合成した要件を返す。
// 戻り値は Public か Protected のいずれかで、Inherited のままなら Protected とする。
// p は CleanPath で正規化してから照合する。
func (t *Table) Resolve(method, p string) Requirement {
	p = CleanPath(p)

	t.mu.RLock()
	defer t.mu.RUnlock()

	req := Inherited
	for _, e := range t.entries {
		if e.Selector.matches(method, p) {
			req = req.Combine(e.Requirement)
		}
	}
	if req == Inherited {
		return Protected
	}
	return req
}

// Decide はリクエストに対するトランスポート層の判定を返す。
func (t *Table) Decide(method, p string) Decision {
	p = CleanPath(p)

	t.mu.RLock()
	_, delegated := t.protocol[p]
	t.mu.RUnlock()
	if delegated {
		return DecisionDelegate
	}

	if t.Resolve(method, p) == Public {
		return DecisionAllow
	}
	return DecisionAuthenticate
}

// Entries は登録済みエントリのコピーを返す。
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// normalizeMethod はYAML等から読んだメソッド名を正規化する。
func normalizeMethod(m string) (string, error) {
	m = strings.ToUpper(strings.TrimSpace(m))
	switch m {
	case "", "*":
		return "*", nil
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodPatch, http.MethodHead, http.MethodOptions:
		return m, nil
	default:
		return "", fmt.Errorf("不明なHTTPメソッド: %q", m)
	}
}
