// Copyright 2024 Algodoeira Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/algodoeira/baletrack/internal"
	"github.com/algodoeira/baletrack/pkg/datamodel"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var notifier *Notifier

// SetupRestAPI initializes the REST API and starts listening
func SetupRestAPI(apiToken string, listenAddress string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Bale identifiers contain the season's slash ("S25/26-T1A-00001"), so
	// route matching has to happen on the raw path.
	router.UseRawPath = true
	router.UnescapePathValues = true

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// Liveness for probes and agents; no auth, agents probe this before
	// they have decided to trust the link.
	router.GET("/api/health", func(c *gin.Context) {
		if shutdownEnabled {
			c.String(http.StatusOK, "shutdown")
		} else {
			c.String(http.StatusOK, "online")
		}
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api", bearerAuth(apiToken))
	{
		api.GET("/bales", getBalesHandler)
		api.GET("/bales/:id", getBaleHandler)
		api.POST("/bales", postBaleHandler)
		api.POST("/bales/batch", postBatchHandler)
		api.PATCH("/bales/:id/status", patchStatusHandler)
		api.GET("/counters/:season", getCounterHandler)
		api.GET("/events", eventsHandler)
	}

	err := router.Run(listenAddress)
	if err != nil {
		zap.S().Errorf("Failed to bind to %s: %s", listenAddress, err)
		ShutdownApplicationGraceful()
	}
}

// bearerAuth only checks token presence and equality. Issuing and rotating
// tokens is somebody else's job.
func bearerAuth(apiToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiToken == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header != "Bearer "+apiToken {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func handleInternalServerError(c *gin.Context, err error) {
	zap.S().Errorw("Internal server error",
		"error", internal.SanitizeString(err.Error()),
	)
	c.String(http.StatusInternalServerError, "The server had an internal error.")
}

func handleInvalidInputError(c *gin.Context, err error) {
	zap.S().Warnw("Invalid input",
		"error", internal.SanitizeString(err.Error()),
	)
	c.String(http.StatusBadRequest, "You have provided a wrong input. Please check your parameters.")
}

// ---------------------- getBales ----------------------

func getBalesHandler(c *gin.Context) {
	season := c.Query("season")
	status := c.Query("status")

	cacheKey := fmt.Sprintf("%s:list:%s:%s", syncCacheCollection, season, status)
	if cached, raw := internal.GetTiered(cacheKey); cached {
		c.Data(http.StatusOK, "application/json", raw)
		return
	}

	bales, err := GetBales(season, status)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if bales == nil {
		bales = []datamodel.Bale{}
	}
	raw, err := json.Marshal(bales)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	internal.SetTiered(cacheKey, raw)
	c.Data(http.StatusOK, "application/json", raw)
}

// ---------------------- getBale ----------------------

type getBaleRequest struct {
	ID string `uri:"id" binding:"required"`
}

func getBaleHandler(c *gin.Context) {
	var request getBaleRequest
	if err := c.ShouldBindUri(&request); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	bale, found, err := GetBale(request.ID)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if !found {
		c.String(http.StatusNotFound, "No bale with id %s", internal.SanitizeString(request.ID))
		return
	}
	c.JSON(http.StatusOK, bale)
}

// ---------------------- postBale ----------------------

type createBaleRequest struct {
	ID             string               `json:"id"`
	Season         string               `json:"season" binding:"required"`
	Field          string               `json:"field" binding:"required"`
	SequenceNumber int                  `json:"sequenceNumber"`
	Status         datamodel.BaleStatus `json:"status"`
}

func postBaleHandler(c *gin.Context) {
	var request createBaleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	if request.Status == "" {
		request.Status = datamodel.StatusField
	}
	if !datamodel.IsValidStatus(request.Status) {
		handleInvalidInputError(c, fmt.Errorf("unknown status %q", request.Status))
		return
	}

	field := datamodel.NormalizeField(request.Field)
	number := request.SequenceNumber

	if request.ID == "" {
		// Interactive create: the allocator hands out the next number.
		numbers, err := NextNumbers(request.Season, 1)
		if err != nil {
			handleInternalServerError(c, err)
			return
		}
		number = numbers[0]
		request.ID = datamodel.FormatBaleID(request.Season, field, number)
	} else {
		// Replayed offline create: the identifier is deterministic, keep
		// the allocator ahead of externally minted numbers.
		idSeason, idField, idNumber, err := datamodel.ParseBaleID(request.ID)
		if err != nil {
			handleInvalidInputError(c, err)
			return
		}
		if idSeason != request.Season || idField != field {
			handleInvalidInputError(c, fmt.Errorf("identifier %s does not match season/field", request.ID))
			return
		}
		number = idNumber
		if err := AdvanceCounterPast(request.Season, number); err != nil {
			handleInternalServerError(c, err)
			return
		}
	}

	bale, created, err := InsertBale(datamodel.Bale{
		ID:             request.ID,
		Season:         request.Season,
		Field:          field,
		SequenceNumber: number,
		Status:         request.Status,
	})
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if !created {
		c.String(http.StatusConflict, "Bale %s already exists", internal.SanitizeString(request.ID))
		return
	}

	balesCreated.Inc()
	afterMutation()
	c.JSON(http.StatusCreated, bale)
}

// ---------------------- postBatch ----------------------

func postBatchHandler(c *gin.Context) {
	var request datamodel.BatchCreateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	if len(request.Numbers) == 0 && request.Count <= 0 {
		handleInvalidInputError(c, fmt.Errorf("batch requires either numbers or a positive count"))
		return
	}

	numbers := request.Numbers
	if len(numbers) == 0 {
		allocated, err := NextNumbers(request.Season, request.Count)
		if err != nil {
			handleInternalServerError(c, err)
			return
		}
		numbers = allocated
	} else {
		maxNumber := 0
		for _, n := range numbers {
			if n <= 0 {
				handleInvalidInputError(c, fmt.Errorf("sequence numbers must be positive"))
				return
			}
			if n > maxNumber {
				maxNumber = n
			}
		}
		if err := AdvanceCounterPast(request.Season, maxNumber); err != nil {
			handleInternalServerError(c, err)
			return
		}
	}

	created, skipped, err := BatchInsert(request.Season, request.Field, numbers)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if created == nil {
		created = []datamodel.Bale{}
	}

	balesCreated.Add(float64(len(created)))
	balesSkipped.Add(float64(skipped))
	if len(created) > 0 {
		afterMutation()
	}

	c.JSON(http.StatusCreated, datamodel.BatchCreateResponse{
		Requested: len(numbers),
		Created:   len(created),
		Skipped:   skipped,
		Bales:     created,
	})
}

// ---------------------- patchStatus ----------------------

type patchStatusRequest struct {
	Status datamodel.BaleStatus `json:"status" binding:"required"`
}

func patchStatusHandler(c *gin.Context) {
	var uriRequest getBaleRequest
	if err := c.ShouldBindUri(&uriRequest); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	var request patchStatusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	if !datamodel.IsValidStatus(request.Status) {
		handleInvalidInputError(c, fmt.Errorf("unknown status %q", request.Status))
		return
	}

	result, bale, err := UpdateBaleStatus(uriRequest.ID, request.Status)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	switch result {
	case statusUpdated:
		statusTransitions.WithLabelValues(string(request.Status)).Inc()
		afterMutation()
		c.JSON(http.StatusOK, bale)
	case statusUnchanged:
		// Already at the desired status: convergence, not an error.
		c.JSON(http.StatusOK, bale)
	case statusNotFound:
		c.String(http.StatusNotFound, "No bale with id %s", internal.SanitizeString(uriRequest.ID))
	case statusConflict:
		statusConflicts.Inc()
		c.String(http.StatusConflict,
			"Cannot move bale %s from %s to %s",
			internal.SanitizeString(uriRequest.ID), bale.Status, request.Status)
	}
}

// ---------------------- getCounter ----------------------

type getCounterRequest struct {
	Season string `uri:"season" binding:"required"`
}

func getCounterHandler(c *gin.Context) {
	var request getCounterRequest
	if err := c.ShouldBindUri(&request); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	lastNumber, err := GetSeasonCounter(request.Season)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	c.JSON(http.StatusOK, datamodel.SeasonCounter{Season: request.Season, LastNumber: lastNumber})
}

// ---------------------- events ----------------------

func eventsHandler(c *gin.Context) {
	id, events := notifier.Subscribe()
	defer notifier.Unsubscribe(id)
	eventSubscribers.Inc()
	defer eventSubscribers.Dec()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case kind, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(kind, "refetch")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// afterMutation drops the server-side read cache, then emits the change
// signal: subscribers who refetch immediately must not be served the stale
// snapshot.
func afterMutation() {
	internal.InvalidateCollection(syncCacheCollection)
	notifier.Broadcast(datamodel.EventBaleUpdate)
}

const syncCacheCollection = "bales"
