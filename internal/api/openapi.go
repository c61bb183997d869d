package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the local endpoints.
func buildOpenAPIDoc() map[string]any {
	jsonBody := func(schema map[string]any) map[string]any {
		return map[string]any{"application/json": map[string]any{"schema": schema}}
	}
	errorSchema := map[string]any{"$ref": "#/components/schemas/Error"}
	statusSchema := map[string]any{"$ref": "#/components/schemas/CompletionStatus"}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Mob Rule Embed",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/pre-authenticate": map[string]any{
				"post": map[string]any{
					"operationId": "preAuthenticate",
					"summary":     "Mint a single-use interview verification URL",
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Verification URL issued",
							"content": jsonBody(map[string]any{
								"type":       "object",
								"properties": map[string]any{"verificationUrl": map[string]any{"type": "string", "format": "uri"}},
							}),
						},
						"500": map[string]any{"description": "Missing configuration or upstream failure", "content": jsonBody(errorSchema)},
					},
				},
			},
			"/webhook": map[string]any{
				"post": map[string]any{
					"operationId": "receiveWebhook",
					"summary":     "Receive an interview platform event",
					"parameters": []any{map[string]any{
						"name": "X-Mobrule-Signature", "in": "header", "required": false,
						"schema": map[string]any{"type": "string", "pattern": "^sha256=[0-9a-f]{64}$"},
					}},
					"responses": map[string]any{
						"200": map[string]any{"description": "Acknowledged"},
						"401": map[string]any{"description": "Missing or invalid signature", "content": jsonBody(errorSchema)},
						"413": map[string]any{"description": "Payload too large"},
					},
				},
				"get": map[string]any{
					"operationId": "completionStatus",
					"summary":     "Latest completion status",
					"responses": map[string]any{
						"200": map[string]any{"description": "Status", "content": jsonBody(statusSchema)},
						"304": map[string]any{"description": "Unchanged since If-None-Match"},
					},
				},
			},
			"/webhook/{responseUUID}": map[string]any{
				"get": map[string]any{
					"operationId": "completionStatusByResponse",
					"parameters": []any{map[string]any{
						"name": "responseUUID", "in": "path", "required": true,
						"schema": map[string]any{"type": "string"},
					}},
					"responses": map[string]any{
						"200": map[string]any{"description": "Completed", "content": jsonBody(statusSchema)},
						"404": map[string]any{"description": "Not completed", "content": jsonBody(statusSchema)},
					},
				},
			},
			"/webhook/dead-letters": map[string]any{
				"get": map[string]any{
					"operationId": "listDeadLetters",
					"summary":     "Completed events whose response fetch failed",
					"responses": map[string]any{
						"200": map[string]any{"description": "Dead letters, oldest arrival first", "content": jsonBody(map[string]any{"type": "object"})},
						"401": map[string]any{"description": "Missing or invalid signature", "content": jsonBody(errorSchema)},
					},
				},
			},
			"/webhook/replay": map[string]any{
				"post": map[string]any{
					"operationId": "replayDeadLetters",
					"summary":     "Retry every dead-lettered response fetch",
					"responses": map[string]any{
						"200": map[string]any{"description": "Recovered and still-failing responses", "content": jsonBody(map[string]any{"type": "object"})},
						"401": map[string]any{"description": "Missing or invalid signature", "content": jsonBody(errorSchema)},
					},
				},
			},
			"/webhook/events": map[string]any{
				"get": map[string]any{
					"operationId": "completionEvents",
					"summary":     "Server-sent interview lifecycle events",
					"responses": map[string]any{
						"200": map[string]any{"description": "Event stream", "content": map[string]any{"text/event-stream": map[string]any{}}},
					},
				},
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"Error": map[string]any{
					"type":       "object",
					"properties": map[string]any{"error": map[string]any{"type": "string"}},
				},
				"CompletionStatus": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"completed":    map[string]any{"type": "boolean"},
						"responseData": map[string]any{},
					},
					"required": []string{"completed"},
				},
			},
		},
	}
}
