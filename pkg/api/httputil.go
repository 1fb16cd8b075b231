/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api is the thin adapter mapping HTTP requests onto Engine calls
// (spec.md §6). It holds no business logic: every handler parses its
// request, calls one Engine method, and maps the result or error to JSON.
package api

import (
	"encoding/json"
	"net/http"
)

func returnJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// The header is already on the wire by the time Encode could fail;
	// there is nothing left to do for the caller but drop it, the way
	// ReturnJSONCode does.
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error string `json:"error"`
}

type messageBody struct {
	Message string `json:"message"`
}

// badRequest writes the {"error": message} shape spec.md §6 mandates for
// every DomainError/Invariant fault, always as HTTP 400.
func badRequest(w http.ResponseWriter, message string) {
	returnJSON(w, http.StatusBadRequest, errorBody{Error: message})
}

func ok(w http.ResponseWriter, data any) {
	returnJSON(w, http.StatusOK, data)
}

func okMessage(w http.ResponseWriter, message string) {
	ok(w, messageBody{Message: message})
}
