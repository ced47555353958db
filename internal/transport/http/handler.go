package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/model"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/repo"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.OpportunityService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/opportunities", createHandler(svc))
		v1.GET("/opportunities", listHandler(svc))
		v1.GET("/opportunities/:id", getHandler(svc))
		v1.PUT("/opportunities/:id", updateHandler(svc))
		v1.PATCH("/opportunities/:id/phase", movePhaseHandler(svc))
		v1.DELETE("/opportunities/:id", deleteHandler(svc))
		v1.POST("/opportunities/import", importHandler(svc))
	}
}

type opportunityReq struct {
	Company     string `json:"company" binding:"required"`
	Contact     string `json:"contact"`
	Phase       string `json:"phase"`
	Value       string `json:"value"`
	OwnerID     uint64 `json:"owner_id" binding:"required"`
	Description string `json:"description"`
	Notes       string `json:"notes"`
}

func (req *opportunityReq) toModel() (*model.Opportunity, error) {
	value := decimal.Zero
	if req.Value != "" {
		var err error
		if value, err = decimal.NewFromString(req.Value); err != nil {
			return nil, err
		}
	}
	return &model.Opportunity{
		Company:     req.Company,
		Contact:     req.Contact,
		Phase:       req.Phase,
		Value:       value,
		OwnerID:     req.OwnerID,
		Description: req.Description,
		Notes:       req.Notes,
	}, nil
}

func createHandler(svc *service.OpportunityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req opportunityReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		o, err := req.toModel()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
			return
		}
		if err := svc.Create(c, o); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, o)
	}
}

func listHandler(svc *service.OpportunityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := svc.List(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func getHandler(svc *service.OpportunityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Get(c, c.Param("id"))
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, repo.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func updateHandler(svc *service.OpportunityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req opportunityReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		o, err := req.toModel()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
			return
		}
		o.ID = c.Param("id")
		if err := svc.Update(c, o); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, repo.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

type movePhaseReq struct {
	Phase string `json:"phase" binding:"required"`
}

func movePhaseHandler(svc *service.OpportunityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req movePhaseReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		o, err := svc.MovePhase(c, c.Param("id"), req.Phase)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, repo.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func deleteHandler(svc *service.OpportunityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Delete(c, c.Param("id")); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, repo.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

type importReq struct {
	Rows      []opportunityReq `json:"rows" binding:"required"`
	BatchSize int              `json:"batch_size"`
}

func importHandler(svc *service.OpportunityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req importReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows := make([]model.Opportunity, 0, len(req.Rows))
		for _, rr := range req.Rows {
			o, err := rr.toModel()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
				return
			}
			rows = append(rows, *o)
		}
		batches, err := svc.BulkImport(c, rows, req.BatchSize)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"imported": len(rows), "batches": batches})
	}
}
