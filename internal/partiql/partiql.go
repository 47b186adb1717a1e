// Package partiql routes an already-validated PartiQL statement AST to the
// engine operation it represents, per spec §4.14. The PartiQL surface
// syntax and its parser are explicitly out of scope (spec §1): only the
// validated AST defined here crosses into the engine.
//
// Grounded on the teacher's k4.go having no query-language surface at all;
// this is new code, kept to a thin dispatch layer since the parser itself
// is an external collaborator per spec §1.
package partiql

import (
	"github.com/keystone-db/keystonedb-sub001/internal/model"
	"github.com/keystone-db/keystonedb-sub001/internal/expr"
	"github.com/keystone-db/keystonedb-sub001/internal/iterator"
)

// StatementKind is the validated statement's top-level operation.
type StatementKind int

const (
	StatementSelect StatementKind = iota
	StatementInsert
	StatementUpdate
	StatementDelete
)

// Statement is a validated AST: an external parser has already resolved
// attribute names, literals, and placeholders into this shape, so this
// package never tokenizes PartiQL text itself.
type Statement struct {
	Kind StatementKind

	// SELECT
	PK        []byte
	Predicate iterator.SKPredicate
	Forward   bool
	Limit     int
	Start     *model.Key

	// INSERT
	InsertKey  model.Key
	InsertItem model.Item

	// UPDATE / DELETE
	Key       model.Key
	UpdateExpr string
	Condition  string
	Ctx        expr.Context
}

// Executor is the subset of engine operations execute_statement routes to;
// the engine implements it, keeping this package decoupled from the
// concrete engine type.
type Executor interface {
	Put(key model.Key, item model.Item, condition string, ctx expr.Context) error
	Update(key model.Key, updateExpr, condition string, ctx expr.Context) (model.Item, error)
	Delete(key model.Key, condition string, ctx expr.Context) error
	Query(pk []byte, predicate iterator.SKPredicate, forward bool, limit int, start *model.Key) (iterator.QueryResult, error)
}

// Result is execute_statement's return value: exactly one of these fields
// is populated depending on Statement.Kind, mirroring spec §6's
// "{select|insert|update|delete result}".
type Result struct {
	Select *iterator.QueryResult
	Insert bool
	Update model.Item
	Delete bool
}

// Execute routes stmt to the matching Executor method, per spec §4.14.
func Execute(stmt Statement, ex Executor) (Result, error) {
	switch stmt.Kind {
	case StatementSelect:
		res, err := ex.Query(stmt.PK, stmt.Predicate, stmt.Forward, stmt.Limit, stmt.Start)
		if err != nil {
			return Result{}, err
		}
		return Result{Select: &res}, nil
	case StatementInsert:
		if err := ex.Put(stmt.InsertKey, stmt.InsertItem, stmt.Condition, stmt.Ctx); err != nil {
			return Result{}, err
		}
		return Result{Insert: true}, nil
	case StatementUpdate:
		item, err := ex.Update(stmt.Key, stmt.UpdateExpr, stmt.Condition, stmt.Ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Update: item}, nil
	case StatementDelete:
		if err := ex.Delete(stmt.Key, stmt.Condition, stmt.Ctx); err != nil {
			return Result{}, err
		}
		return Result{Delete: true}, nil
	}
	return Result{}, model.ErrInvalidQuery
}
