// Package docs registers the OpenAPI document served at /swagger.
// Regenerate with: swag init -g cmd/server/main.go
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
        "/auth/signup": {"post": {"tags": ["Auth"], "summary": "Sign up", "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}, "409": {"description": "Conflict"}}}},
        "/auth/login": {"post": {"tags": ["Auth"], "summary": "Log in", "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}}}},
        "/auth/logout": {"post": {"security": [{"BearerAuth": []}], "tags": ["Auth"], "summary": "Log out", "responses": {"200": {"description": "OK"}}}},
        "/accounts/me": {"get": {"security": [{"BearerAuth": []}], "tags": ["Accounts"], "summary": "Current account", "responses": {"200": {"description": "OK"}}}},
        "/accounts/me/ledger": {"get": {"security": [{"BearerAuth": []}], "tags": ["Accounts"], "summary": "Ledger history", "responses": {"200": {"description": "OK"}}}},
        "/accounts/me/referral": {"get": {"security": [{"BearerAuth": []}], "tags": ["Accounts"], "summary": "Get referral QR code", "responses": {"200": {"description": "OK"}}}},
        "/jobs": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["Jobs"], "summary": "List jobs", "responses": {"200": {"description": "OK"}}},
            "post": {"security": [{"BearerAuth": []}], "tags": ["Jobs"], "summary": "Submit a job", "responses": {"202": {"description": "Accepted"}, "400": {"description": "Bad Request"}, "402": {"description": "Payment Required"}, "429": {"description": "Too Many Requests"}}}
        },
        "/jobs/{jobId}": {"get": {"security": [{"BearerAuth": []}], "tags": ["Jobs"], "summary": "Get a job", "parameters": [{"type": "string", "name": "jobId", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
        "/billing/orders": {"post": {"security": [{"BearerAuth": []}], "tags": ["Billing"], "summary": "Create payment order", "responses": {"201": {"description": "Created"}}}},
        "/billing/topups": {"post": {"tags": ["Billing"], "summary": "Apply top-up", "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}}}},
        "/providers/callback": {"post": {"tags": ["Providers"], "summary": "Provider callback", "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}, "409": {"description": "Conflict"}}}},
        "/uploads": {"post": {"security": [{"BearerAuth": []}], "tags": ["Uploads"], "summary": "Create upload URL", "responses": {"201": {"description": "Created"}}}},
        "/admin/stats": {"get": {"security": [{"BearerAuth": []}], "tags": ["Admin"], "summary": "Platform stats", "responses": {"200": {"description": "OK"}, "403": {"description": "Forbidden"}}}},
        "/admin/accounts": {"get": {"security": [{"BearerAuth": []}], "tags": ["Admin"], "summary": "List accounts", "responses": {"200": {"description": "OK"}}}},
        "/admin/accounts/{accountId}/adjust": {"post": {"security": [{"BearerAuth": []}], "tags": ["Admin"], "summary": "Adjust credits", "parameters": [{"type": "string", "name": "accountId", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "422": {"description": "Unprocessable Entity"}}}},
        "/admin/reconciliations": {"get": {"security": [{"BearerAuth": []}], "tags": ["Admin"], "summary": "Manual reconciliations", "responses": {"200": {"description": "OK"}}}}
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "PixelMind Credits API",
	Description:      "Credit ledger and AI job pipeline for the PixelMind image editor",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
