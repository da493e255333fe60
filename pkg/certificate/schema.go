package certificate

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// certSchema is the minimal required shape of a certificate. A document
// failing this check has verification status "unknown": there is not
// enough structure to say anything stronger.
const certSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "document_id", "source_hash", "hash_chain"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "document_id": {"type": "string", "minLength": 1},
    "source_hash": {"type": "string", "minLength": 1},
    "hash_chain": {
      "type": "object",
      "required": ["source_hash", "terminal_hash"],
      "properties": {
        "source_hash": {"type": "string", "minLength": 1},
        "terminal_hash": {"type": "string", "minLength": 1}
      }
    },
    "signature": {
      "type": "object",
      "required": ["key_id", "algorithm", "public_key", "signature"]
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("certificate.schema.json", certSchema)

// checkShape validates the decoded certificate document against the format
// schema.
func checkShape(doc any) error {
	return compiledSchema.Validate(doc)
}
