// Package errors provides categorized errors for the refinement engines.
//
// Errors are built with a fluent builder and carry a category, the component
// that raised them and free-form context. Two errors compare equal under Is
// when their categories match, so callers can test against the exported
// sentinels without caring about the message.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorCategory represents the kind of failure.
type ErrorCategory string

const (
	CategoryInsufficientPairs ErrorCategory = "insufficient-pairs"
	CategorySolveFailure      ErrorCategory = "solve-failure"
	CategoryNumeric           ErrorCategory = "numeric-degenerate"
	CategoryAmbiguous         ErrorCategory = "ambiguous-prediction"
	CategoryNonConvergence    ErrorCategory = "non-convergence"
	CategoryInvalidInput      ErrorCategory = "invalid-input"
	CategoryConfiguration     ErrorCategory = "configuration"
	CategoryFileIO            ErrorCategory = "file-io"
	CategoryFileParsing       ErrorCategory = "file-parsing"
	CategoryWorker            ErrorCategory = "worker-pool"
	CategoryGeneric           ErrorCategory = "generic"
)

// ComponentUnknown is used when no component was given.
const ComponentUnknown = "unknown"

// Sentinels for use with Is.
var (
	ErrInsufficientPairs = &EnhancedError{Err: stderrors.New("insufficient pairs"), Category: CategoryInsufficientPairs}
	ErrSolveFailure      = &EnhancedError{Err: stderrors.New("least-squares solve failed"), Category: CategorySolveFailure}
	ErrNonConvergence    = &EnhancedError{Err: stderrors.New("did not converge"), Category: CategoryNonConvergence}
	ErrInvalidInput      = &EnhancedError{Err: stderrors.New("invalid input"), Category: CategoryInvalidInput}
)

// EnhancedError wraps an error with a category and context.
type EnhancedError struct {
	Err       error
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time
	component string
	mu        sync.RWMutex
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	if ee.Err == nil {
		return string(ee.Category)
	}
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches any EnhancedError of the same category.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return Is(ee.Err, target)
}

// GetComponent returns the component that raised the error.
func (ee *EnhancedError) GetComponent() string {
	if ee.component == "" {
		return ComponentUnknown
	}
	return ee.component
}

// GetContext returns a copy of the error context.
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	if ee.Context == nil {
		return nil
	}
	contextCopy := make(map[string]any, len(ee.Context))
	maps.Copy(contextCopy, ee.Context)
	return contextCopy
}

// Detail formats the message followed by sorted context pairs, for logs.
func (ee *EnhancedError) Detail() string {
	ctx := ee.GetContext()
	if len(ctx) == 0 {
		return fmt.Sprintf("[%s/%s] %s", ee.GetComponent(), ee.Category, ee.Error())
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s/%s] %s", ee.GetComponent(), ee.Category, ee.Error())
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, ctx[k])
	}
	return sb.String()
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a builder around an existing error.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a builder around a formatted error.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category.
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build creates the EnhancedError.
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Category == "" {
		ee.Category = CategoryGeneric
	}
	return ee
}

// ValidationError creates an invalid-input error.
func ValidationError(message string) *EnhancedError {
	return New(NewStd(message)).
		Category(CategoryInvalidInput).
		Build()
}

// NewStd creates a new standard error (passthrough to standard library)
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target (passthrough to standard library)
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target (passthrough to standard library)
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join returns an error that wraps the given errors (passthrough to standard library)
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory checks if an error is an EnhancedError with the specified category.
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// CategoryOf returns the category of the first EnhancedError in err's tree,
// or CategoryGeneric.
func CategoryOf(err error) ErrorCategory {
	var enhancedErr *EnhancedError
	if As(err, &enhancedErr) {
		return enhancedErr.Category
	}
	return CategoryGeneric
}
