package gql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// IntrospectionOperationName はツールが送るイントロスペクションの慣例的なオペレーション名。
const IntrospectionOperationName = "IntrospectionQuery"

// オペレーション解析のエラー。
var (
	// ErrInvalidDocument は文書が構文的に不正であることを表す。
	ErrInvalidDocument = errors.New("invalid graphql document")
	// ErrOperationNotFound は operationName に一致するオペレーションがないことを表す。
	ErrOperationNotFound = errors.New("operation not found")
	// ErrAmbiguousOperation は複数のオペレーションがあるのに名前が指定されていないことを表す。
	ErrAmbiguousOperation = errors.New("operation name is required when the document has multiple operations")
)

// OperationType はオペレーションの種類。
type OperationType string

const (
	// Query は問い合わせ。
	Query OperationType = "query"
	// Mutation は更新。
	Mutation OperationType = "mutation"
	// Subscription は購読。
	Subscription OperationType = "subscription"
)

// RootField は実行されるオペレーションの最上位フィールド。
type RootField struct {
	Name      string
	Alias     string
	Arguments map[string]any
}

// Operation は文書から選択された、実際に実行されるオペレーション。
type Operation struct {
	Name       string
	Type       OperationType
	RootFields []RootField
}

// Parse はリクエストの文書を解析して実行対象のオペレーションを返す。
// フラグメントスプレッドとインラインフラグメントは展開してルートフィールドを求める。
func Parse(req Request) (*Operation, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidDocument)
	}

	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: req.Query})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err.Error())
	}

	def, err := selectOperation(doc, req.OperationName)
	if err != nil {
		return nil, err
	}

	fields, err := collectRootFields(doc, def.SelectionSet, req.Variables, map[string]bool{})
	if err != nil {
		return nil, err
	}

	return &Operation{
		Name:       def.Name,
		Type:       OperationType(def.Operation),
		RootFields: fields,
	}, nil
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	if name != "" {
		def := doc.Operations.ForName(name)
		if def == nil {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, name)
		}
		return def, nil
	}
	switch len(doc.Operations) {
	case 0:
		return nil, fmt.Errorf("%w: document has no operations", ErrInvalidDocument)
	case 1:
		return doc.Operations[0], nil
	default:
		return nil, ErrAmbiguousOperation
	}
}

func collectRootFields(doc *ast.QueryDocument, set ast.SelectionSet, vars map[string]any, visited map[string]bool) ([]RootField, error) {
	var out []RootField
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			out = append(out, RootField{
				Name:      s.Name,
				Alias:     s.Alias,
				Arguments: argumentValues(s.Arguments, vars),
			})
		case *ast.InlineFragment:
			nested, err := collectRootFields(doc, s.SelectionSet, vars, visited)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		case *ast.FragmentSpread:
			if visited[s.Name] {
				return nil, fmt.Errorf("%w: fragment %s is cyclic", ErrInvalidDocument, s.Name)
			}
			frag := doc.Fragments.ForName(s.Name)
			if frag == nil {
				return nil, fmt.Errorf("%w: unknown fragment %s", ErrInvalidDocument, s.Name)
			}
			visited[s.Name] = true
			nested, err := collectRootFields(doc, frag.SelectionSet, vars, visited)
			delete(visited, s.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	}
	return out, nil
}

func argumentValues(args ast.ArgumentList, vars map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for _, a := range args {
		if a.Value == nil {
			continue
		}
		v, err := a.Value.Value(vars)
		if err != nil {
			continue
		}
		out[a.Name] = v
	}
	return out
}

// IsIntrospection はオペレーションがイントロスペクションかを返す。
// 慣例的なオペレーション名か、すべてのルートフィールドがメタフィールドである場合に真。
func (o *Operation) IsIntrospection() bool {
	if o.Name == IntrospectionOperationName {
		return true
	}
	if len(o.RootFields) == 0 {
		return false
	}
	for _, f := range o.RootFields {
		if !strings.HasPrefix(f.Name, "__") {
			return false
		}
	}
	return true
}

// OnlyFields はすべてのルートフィールドが allowed に含まれるかを返す。
// ルートフィールドが1つもない場合は偽。
func (o *Operation) OnlyFields(allowed map[string]struct{}) bool {
	if len(o.RootFields) == 0 {
		return false
	}
	for _, f := range o.RootFields {
		if _, ok := allowed[f.Name]; !ok {
			return false
		}
	}
	return true
}

// FieldNames はルートフィールド名の一覧を返す。
func (o *Operation) FieldNames() []string {
	names := make([]string, 0, len(o.RootFields))
	for _, f := range o.RootFields {
		names = append(names, f.Name)
	}
	return names
}
