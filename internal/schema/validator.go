// internal/schema/validator.go
// Package schema checks the JSON shape of write commands before they are
// decoded. Business rules such as required fields and rating ranges stay in
// the editorial service, which reports them in a fixed order; schemas only
// reject bodies whose fields have the wrong JSON type or absurd sizes.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Command names.
const (
	SubmitManuscript = "manuscript.submit"
	AppendVersion    = "version.append"
	Transition       = "manuscript.transition"
	AssignReviewer   = "assignment.create"
	SubmitReview     = "review.submit"
	ValidateReview   = "review.validate"
	UploadInit       = "files.uploadInit"
)

var commandSchemas = map[string]string{
	SubmitManuscript: `{"type":"object","properties":{
		"journalId":{"type":"string","maxLength":128},
		"title":{"type":"string","maxLength":1000},
		"abstract":{"type":"string","maxLength":20000},
		"authorName":{"type":"string","maxLength":256},
		"initialFileRef":{"type":"string","maxLength":2048},
		"changelog":{"type":"string","maxLength":5000},
		"coAuthors":{"type":"array","maxItems":100,"items":{"type":"object","properties":{
			"name":{"type":"string","maxLength":256},
			"email":{"type":"string","maxLength":320}}}}}}`,
	AppendVersion: `{"type":"object","properties":{
		"fileRef":{"type":"string","maxLength":2048},
		"changelog":{"type":"string","maxLength":5000}}}`,
	Transition: `{"type":"object","properties":{
		"to":{"type":"string","maxLength":64},
		"expectedFrom":{"type":"string","maxLength":64},
		"reason":{"type":"string","maxLength":2000},
		"comments":{"type":"string","maxLength":20000}}}`,
	AssignReviewer: `{"type":"object","properties":{
		"reviewerId":{"type":"string","maxLength":128},
		"reviewerEmail":{"type":"string","maxLength":320},
		"dueDate":{"type":["string","null"],"format":"date-time"},
		"priority":{"type":"string","maxLength":32},
		"notes":{"type":"string","maxLength":5000}}}`,
	SubmitReview: `{"type":"object","properties":{
		"rating":{"type":"integer"},
		"commentsToEditor":{"type":"string","maxLength":50000},
		"commentsToAuthor":{"type":"string","maxLength":50000},
		"recommendation":{"type":"string","maxLength":64}}}`,
	ValidateReview: `{"type":"object","properties":{
		"isValidated":{"type":"boolean"},
		"rejectionReason":{"type":"string","maxLength":5000}}}`,
	UploadInit: `{"type":"object","properties":{
		"filename":{"type":"string","maxLength":512},
		"contentType":{"type":"string","maxLength":255},
		"size":{"type":"integer","minimum":0}}}`,
}

// Validator holds the compiled command schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// ValidationError lists every schema violation of one body.
type ValidationError struct {
	Command string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return fmt.Sprintf("%s: %s", e.Command, strings.Join(parts, "; "))
}

func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(commandSchemas))}
	for name, src := range commandSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Validate checks body against the command's schema. It returns a
// *ValidationError for violations and a plain error for unparseable JSON or
// an unknown command.
func (v *Validator) Validate(command string, body []byte) error {
	s, ok := v.schemas[command]
	if !ok {
		return fmt.Errorf("unknown command: %s", command)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if result.Valid() {
		return nil
	}
	ve := &ValidationError{Command: command, Fields: make(map[string]string)}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" {
			field = "body"
		}
		ve.Fields[field] = desc.Description()
	}
	return ve
}
