package http

import "github.com/swaggo/swag"

// Keep in step with the handler annotations when routes change.
const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/utterance": {
            "post": {
                "description": "Accepts a JSON utterance (text, or base64 audio to transcribe) or raw audio bytes. The reply is synthesized and returned whole; use the /media WebSocket for streaming.",
                "consumes": ["application/json", "audio/wav"],
                "produces": ["application/json"],
                "tags": ["cycle"],
                "summary": "Answer one caller utterance",
                "parameters": [
                    {"description": "Utterance", "name": "utterance", "in": "body", "required": true, "schema": {"$ref": "#/definitions/message.Utterance"}},
                    {"type": "string", "description": "Conversation id (raw audio uploads)", "name": "X-Parley-Conversation", "in": "header"},
                    {"type": "string", "description": "Voice profile id (raw audio uploads)", "name": "X-Parley-Voice", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/message.CycleResult"}},
                    "400": {"description": "Invalid request", "schema": {"type": "string"}},
                    "409": {"description": "Session already active", "schema": {"type": "string"}},
                    "500": {"description": "Internal processing error", "schema": {"type": "string"}}
                }
            }
        },
        "/media": {
            "get": {
                "description": "WebSocket. Send start then utterance frames; receive media, state, cue and result frames. An interrupt frame barges in.",
                "tags": ["cycle"],
                "summary": "Streaming media session",
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        },
        "/sessions/{id}/interrupt": {
            "post": {
                "produces": ["application/json"],
                "tags": ["cycle"],
                "summary": "Interrupt a response cycle (barge-in)",
                "parameters": [{"type": "string", "description": "Session id", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "boolean"}}}}
            }
        },
        "/conversations/{id}/interrupt": {
            "post": {
                "produces": ["application/json"],
                "tags": ["cycle"],
                "summary": "Interrupt whatever a conversation is saying",
                "parameters": [{"type": "string", "description": "Conversation id", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "boolean"}}}}
            }
        },
        "/conversations/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["memory"],
                "summary": "Get a conversation",
                "parameters": [{"type": "string", "description": "Conversation id", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Unknown conversation", "schema": {"type": "string"}}
                }
            }
        },
        "/stats/cache": {
            "get": {
                "produces": ["application/json"],
                "tags": ["stats"],
                "summary": "Response cache statistics",
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            }
        },
        "/stats/circuits": {
            "get": {
                "produces": ["application/json"],
                "tags": ["stats"],
                "summary": "List circuit breakers",
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"type": "string"}}}}
            }
        },
        "/stats/circuits/{name}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["stats"],
                "summary": "Circuit breaker statistics",
                "parameters": [{"type": "string", "description": "Dependency name (llm, tts, stt)", "name": "name", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            }
        }
    },
    "definitions": {
        "message.Fallback": {
            "type": "object",
            "properties": {
                "phrase": {"type": "string"},
                "audio": {"type": "string", "format": "byte"}
            }
        },
        "message.Utterance": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "conversation_id": {"type": "string"},
                "text": {"type": "string"},
                "audio": {"type": "string", "format": "byte"},
                "content_type": {"type": "string"},
                "language": {"type": "string"},
                "voice_id": {"type": "string"},
                "fallback": {"$ref": "#/definitions/message.Fallback"},
                "disable_cues": {"type": "boolean"},
                "skip_cache": {"type": "boolean"}
            }
        },
        "message.CycleResult": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "conversation_id": {"type": "string"},
                "transcript": {"type": "string"},
                "language": {"type": "string"},
                "response_text": {"type": "string"},
                "was_cached": {"type": "boolean"},
                "was_interrupted": {"type": "boolean"},
                "latency_ms": {"type": "integer"},
                "first_audio_ms": {"type": "integer"},
                "state": {"type": "string"},
                "response_audio": {"type": "string"},
                "response_content_type": {"type": "string"},
                "error": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Parley API",
	Description:      "Low-latency voice response orchestration.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
