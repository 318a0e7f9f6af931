package testutil

import "fmt"

// UnitArtifact renders a minimal artifact for unit with one field, two
// methods and the given body. Artifacts that differ only in body are
// accepted by validation.
func UnitArtifact(unit, body string) []byte {
	return []byte(fmt.Sprintf(`unit: %s
supertype: Object
fields:
  - {name: count, type: int}
methods:
  - {name: increment, signature: "() int"}
  - {name: reset, signature: "() void"}
---
%s
`, unit, body))
}

// UnitArtifactWithField is UnitArtifact plus an extra field, which
// validation rejects.
func UnitArtifactWithField(unit, field, body string) []byte {
	return []byte(fmt.Sprintf(`unit: %s
supertype: Object
fields:
  - {name: count, type: int}
  - {name: %s, type: int}
methods:
  - {name: increment, signature: "() int"}
  - {name: reset, signature: "() void"}
---
%s
`, unit, field, body))
}
