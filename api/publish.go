/*
Copyright 2025 Inkwell Authors.

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
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/inkwellhq/inkwell/api/model"
)

// PublishDocument publishes a document to the CDN bucket together with a
// version snapshot. The two writes run as a saga; a failure in either rolls
// the other back, so a published document always has a snapshot.
func (a Api) PublishDocument(c *gin.Context) {
	var publish model2.PublishDocument
	if err := c.ShouldBindJSON(&publish); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := publish.ValidatePublishDocument()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	receipt, err := a.inkwell.PublishDocument(c.Request.Context(), publish.UserID, publish.DocumentID, []byte(publish.Content))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}
