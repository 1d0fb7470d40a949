package navigator

// RoutineSchema is the JSON schema for routine files
const RoutineSchema = `
{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "anyOf": [
    {"required": ["callData"]},
    {"required": ["graph"]}
  ],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "callData": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "object"}
    },
    "graph": {
      "type": "object",
      "properties": {
        "dot": {"type": "string"},
        "startNodes": {"type": "array", "items": {"type": "string"}},
        "nodes": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "type"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "type": {"type": "string", "minLength": 1},
              "name": {"type": "string"},
              "description": {"type": "string"},
              "config": {"type": "object"},
              "triggers": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["id", "eventType"],
                  "properties": {
                    "id": {"type": "string"},
                    "type": {"type": "string"},
                    "eventType": {"type": "string"},
                    "condition": {"type": "string"}
                  }
                }
              },
              "timeouts": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["id", "duration"],
                  "properties": {
                    "id": {"type": "string"},
                    "duration": {"type": "string", "pattern": "^[0-9]+(ns|us|ms|s|m|h)$"},
                    "onTimeout": {"type": "string", "enum": ["fail", "skip", "continue"]}
                  }
                }
              }
            }
          }
        },
        "edges": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["from", "to"],
            "properties": {
              "from": {"type": "string"},
              "to": {"type": "string"},
              "condition": {"type": "string"}
            }
          }
        }
      }
    }
  }
}
`
