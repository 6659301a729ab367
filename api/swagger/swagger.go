package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "School Attendance Sync API",
        "description": "Scan capture, attendance ledger, remote sync and school calendar imports.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "Capture", "description": "Scan capture sessions"},
        {"name": "Attendance", "description": "Attendance ledger"},
        {"name": "Students", "description": "Student roster"},
        {"name": "Sync", "description": "Remote sync coordinator"},
        {"name": "Calendar", "description": "School period and events"},
        {"name": "Metrics", "description": "Operational metrics"}
    ],
    "paths": {
        "/capture/sessions": {
            "get": {
                "tags": ["Capture"],
                "summary": "List open capture sessions",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "post": {
                "tags": ["Capture"],
                "summary": "Open a capture session",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/OpenSessionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/capture/sessions/{id}": {
            "get": {
                "tags": ["Capture"],
                "summary": "Describe a capture session",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Capture"],
                "summary": "Close a capture session",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"204": {"description": "Closed"}}
            }
        },
        "/capture/sessions/{id}/scans": {
            "post": {
                "tags": ["Capture"],
                "summary": "Submit the barcodes decoded from one frame",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ScanRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Session busy, frame dropped", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "410": {"description": "Session closed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/attendance": {
            "post": {
                "tags": ["Attendance"],
                "summary": "Record an attendance event",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RecordAttendanceRequest"}}
                ],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "delete": {
                "tags": ["Attendance"],
                "summary": "Wipe the attendance ledger",
                "parameters": [{"name": "confirm", "in": "query", "required": true, "type": "boolean"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/attendance/bulk": {
            "post": {
                "tags": ["Attendance"],
                "summary": "Record one status for many students",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/BulkRecordRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/attendance/history": {
            "get": {
                "tags": ["Attendance"],
                "summary": "Attendance history, most recent first",
                "parameters": [
                    {"name": "context", "in": "query", "type": "string"},
                    {"name": "student_id", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string", "format": "date"},
                    {"name": "to", "in": "query", "type": "string", "format": "date"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "page", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/attendance/current": {
            "get": {
                "tags": ["Attendance"],
                "summary": "Current status of a student for a day",
                "parameters": [
                    {"name": "student_id", "in": "query", "required": true, "type": "string"},
                    {"name": "context", "in": "query", "required": true, "type": "string"},
                    {"name": "date", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/attendance/{id}": {
            "delete": {
                "tags": ["Attendance"],
                "summary": "Delete one attendance event",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"204": {"description": "Deleted"}}
            }
        },
        "/attendance/export": {
            "get": {
                "tags": ["Attendance"],
                "summary": "Export attendance grouped by semester",
                "parameters": [
                    {"name": "context", "in": "query", "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]},
                    {"name": "school_year", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string", "format": "date"},
                    {"name": "to", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/exports/{token}": {
            "get": {
                "tags": ["Attendance"],
                "summary": "Download a generated export",
                "security": [],
                "parameters": [{"name": "token", "in": "path", "required": true, "type": "string"}],
                "produces": ["text/csv", "application/pdf"],
                "responses": {"200": {"description": "File"}, "403": {"description": "Invalid or expired link"}}
            }
        },
        "/students": {
            "get": {
                "tags": ["Students"],
                "summary": "List the roster",
                "parameters": [{"name": "active", "in": "query", "type": "boolean"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "post": {
                "tags": ["Students"],
                "summary": "Register students",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RegisterStudentsRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/sync/status": {
            "get": {
                "tags": ["Sync"],
                "summary": "Current sync phase with unsynced count and last sync time",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/sync/refresh": {
            "post": {
                "tags": ["Sync"],
                "summary": "Start a sync run",
                "parameters": [
                    {"name": "force", "in": "query", "type": "boolean"},
                    {"name": "wait", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "Finished or already running", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "202": {"description": "Started", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sync/stream": {
            "get": {
                "tags": ["Sync"],
                "summary": "Server-sent sync snapshots",
                "produces": ["text/event-stream"],
                "responses": {"200": {"description": "Event stream"}}
            }
        },
        "/calendar/import": {
            "post": {
                "tags": ["Calendar"],
                "summary": "Import a calendar CSV",
                "consumes": ["text/csv", "multipart/form-data"],
                "parameters": [
                    {"name": "school_year", "in": "query", "type": "string"},
                    {"name": "file", "in": "formData", "type": "file"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "No valid rows", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/calendar/period": {
            "get": {
                "tags": ["Calendar"],
                "summary": "School period boundaries",
                "parameters": [{"name": "school_year", "in": "query", "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/calendar/events": {
            "get": {
                "tags": ["Calendar"],
                "summary": "Calendar events",
                "parameters": [
                    {"name": "from", "in": "query", "type": "string", "format": "date"},
                    {"name": "to", "in": "query", "type": "string", "format": "date"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/metrics/summary": {
            "get": {
                "tags": ["Metrics"],
                "summary": "Counter snapshot",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        }
    },
    "definitions": {
        "OpenSessionRequest": {
            "type": "object",
            "properties": {
                "context": {"type": "string"},
                "cooldown_ms": {"type": "integer"},
                "validity_seconds": {"type": "integer"},
                "late_after": {"type": "string", "format": "date-time"}
            },
            "required": ["context"]
        },
        "ScanRequest": {
            "type": "object",
            "properties": {
                "payload": {"type": "string"},
                "payloads": {"type": "array", "items": {"type": "string"}}
            }
        },
        "RecordAttendanceRequest": {
            "type": "object",
            "properties": {
                "student_id": {"type": "string"},
                "context": {"type": "string"},
                "status": {"type": "string"},
                "recorded_at": {"type": "string", "format": "date-time"}
            },
            "required": ["student_id", "context", "status"]
        },
        "BulkRecordRequest": {
            "type": "object",
            "properties": {
                "student_ids": {"type": "array", "items": {"type": "string"}},
                "context": {"type": "string"},
                "status": {"type": "string"}
            },
            "required": ["student_ids", "context", "status"]
        },
        "RegisterStudentsRequest": {
            "type": "object",
            "properties": {
                "students": {
                    "type": "array",
                    "items": {
                        "type": "object",
                        "properties": {
                            "id": {"type": "string"},
                            "full_name": {"type": "string"},
                            "active": {"type": "boolean"}
                        }
                    }
                }
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
