// Package docs registers the OpenAPI description served under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/functions": {
            "get": {
                "produces": ["application/json"],
                "summary": "List functions",
                "parameters": [
                    {"type": "string", "description": "owner", "name": "owner", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Create a function",
                "parameters": [
                    {"description": "function", "name": "body", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/createFunctionRequest"}}
                ],
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/functions/{functionID}": {
            "get": {
                "produces": ["application/json"],
                "summary": "Get a function",
                "parameters": [
                    {"type": "string", "description": "function id", "name": "functionID", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "OK"}}
            },
            "delete": {
                "summary": "Remove a function",
                "parameters": [
                    {"type": "string", "description": "function id", "name": "functionID", "in": "path", "required": true}
                ],
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/functions/{functionID}/deployments": {
            "get": {
                "produces": ["application/json"],
                "summary": "List deployments",
                "parameters": [
                    {"type": "string", "description": "function id", "name": "functionID", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "summary": "Deploy a new version",
                "parameters": [
                    {"type": "string", "description": "function id", "name": "functionID", "in": "path", "required": true},
                    {"type": "file", "description": "zip of the Dart package", "name": "archive", "in": "formData", "required": true}
                ],
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/functions/{functionID}/rollback": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Roll back to a version",
                "parameters": [
                    {"type": "string", "description": "function id", "name": "functionID", "in": "path", "required": true},
                    {"description": "target version", "name": "body", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/rollbackRequest"}}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/functions/{functionID}/invoke": {
            "post": {
                "produces": ["application/json"],
                "summary": "Invoke a function",
                "parameters": [
                    {"type": "string", "description": "function id", "name": "functionID", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "summary": "Runtime health",
                "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable"}}
            }
        }
    },
    "definitions": {
        "createFunctionRequest": {
            "type": "object",
            "required": ["name", "owner"],
            "properties": {
                "name": {"type": "string"},
                "owner": {"type": "string"},
                "timeout_seconds": {"type": "integer"}
            }
        },
        "rollbackRequest": {
            "type": "object",
            "properties": {"version": {"type": "integer"}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "FaaS Executor API",
	Description:      "Deploys Dart functions as container images and runs them in sandboxed containers.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
