// Package account serves the account and transfer endpoints.
package account

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/middleware"
	accountsvc "github.com/amirasaad/cryptoledger/pkg/service/account"
	"github.com/amirasaad/cryptoledger/pkg/service/ledger"
	"github.com/amirasaad/cryptoledger/webapi/common"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Routes registers the account and transfer endpoints. All of them require
// a bearer token.
//
// Routes:
//   - POST   /accounts                 : Open a Cr/Dr position at a custody address.
//   - GET    /accounts                 : List the accounts of the current user.
//   - GET    /accounts/:id/balance     : Derived balance of one account.
//   - GET    /accounts/:id/transfers   : Transfers touching one account, newest first.
//   - POST   /transfers                : Execute a transfer request.
//   - GET    /transfers/:gid           : One transfer by group id.
func Routes(
	app fiber.Router,
	ledgerSvc *ledger.Service,
	accountSvc *accountsvc.Service,
	cfg *config.Auth,
	logger *slog.Logger,
) {
	protected := middleware.JwtProtected(cfg.Jwt)
	app.Post("/accounts", protected, OpenAccount(accountSvc, logger))
	app.Get("/accounts", protected, ListAccounts(accountSvc))
	app.Get("/accounts/:id/balance", protected, GetBalance(accountSvc))
	app.Get("/accounts/:id/transfers", protected, ListTransfers(accountSvc))
	app.Post("/transfers", protected, CreateTransfer(ledgerSvc, logger))
	app.Get("/transfers/:gid", protected, GetTransfer(ledgerSvc))
}

// OpenAccount opens a position for the current user.
//
// @Summary Open an account
// @Description Opens the Cr/Dr pair of the current user at a custody address in one currency.
// @Tags accounts
// @Accept json
// @Produce json
// @Param request body accountsvc.OpenRequest true "Currency and custody address"
// @Success 201 {object} common.Response{data=PositionDTO} "Account opened"
// @Failure 400 {object} common.ProblemDetails "Invalid request"
// @Failure 401 {object} common.ProblemDetails "Unauthorized"
// @Failure 409 {object} common.ProblemDetails "Address held by another user"
// @Failure 422 {object} common.ProblemDetails "Validation failed"
// @Router /accounts [post]
// @Security BearerAuth
func OpenAccount(svc *accountsvc.Service, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := middleware.UserID(c)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Unauthorized", err, fiber.StatusUnauthorized)
		}
		input, err := common.BindAndValidate[accountsvc.OpenRequest](c, nil)
		if input == nil {
			return err
		}
		pos, err := svc.Open(c.UserContext(), userID, *input)
		if err != nil {
			if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrAlreadyExists) {
				logger.Error("Failed to open account", "user_id", userID, "error", err)
			}
			return common.ProblemDetailsJSON(c, "Failed to open account", err)
		}
		return common.SuccessResponseJSON(c, fiber.StatusCreated, "Account opened", ToPositionDTO(pos))
	}
}

// ListAccounts lists the accounts of the current user.
//
// @Summary List accounts
// @Tags accounts
// @Produce json
// @Success 200 {object} common.Response{data=[]AccountDTO} "Accounts fetched"
// @Failure 401 {object} common.ProblemDetails "Unauthorized"
// @Router /accounts [get]
// @Security BearerAuth
func ListAccounts(svc *accountsvc.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := middleware.UserID(c)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Unauthorized", err, fiber.StatusUnauthorized)
		}
		accounts, err := svc.List(c.UserContext(), userID)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Failed to list accounts", err)
		}
		out := make([]AccountDTO, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, ToAccountDTO(a))
		}
		return common.SuccessResponseJSON(c, fiber.StatusOK, "Accounts fetched", out)
	}
}

// GetBalance returns the derived balance of one account.
//
// @Summary Account balance
// @Tags accounts
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} common.Response{data=BalanceDTO} "Balance fetched"
// @Failure 400 {object} common.ProblemDetails "Invalid account ID"
// @Failure 403 {object} common.ProblemDetails "Not the account owner"
// @Failure 404 {object} common.ProblemDetails "Account not found"
// @Router /accounts/{id}/balance [get]
// @Security BearerAuth
func GetBalance(svc *accountsvc.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := middleware.UserID(c)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Unauthorized", err, fiber.StatusUnauthorized)
		}
		accountID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return common.ProblemDetailsJSON(c, "Invalid account ID", err, fiber.StatusBadRequest)
		}
		funds, err := svc.Balance(c.UserContext(), userID, accountID)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Failed to fetch balance", err)
		}
		return common.SuccessResponseJSON(c, fiber.StatusOK, "Balance fetched", ToBalanceDTO(funds))
	}
}

// ListTransfers lists the transfers touching one account. The limit query
// parameter defaults to accountsvc.DefaultTransfersLimit.
//
// @Summary Account transfers
// @Tags accounts
// @Produce json
// @Param id path string true "Account ID"
// @Param limit query int false "Maximum number of transfers"
// @Success 200 {object} common.Response{data=[]transfer.Transfer} "Transfers fetched"
// @Failure 400 {object} common.ProblemDetails "Invalid account ID or limit"
// @Failure 403 {object} common.ProblemDetails "Not the account owner"
// @Router /accounts/{id}/transfers [get]
// @Security BearerAuth
func ListTransfers(svc *accountsvc.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := middleware.UserID(c)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Unauthorized", err, fiber.StatusUnauthorized)
		}
		accountID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return common.ProblemDetailsJSON(c, "Invalid account ID", err, fiber.StatusBadRequest)
		}
		limit := accountsvc.DefaultTransfersLimit
		if raw := c.Query("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				return common.ProblemDetailsJSON(c, "Invalid limit", errors.New("limit must be a positive integer"), fiber.StatusBadRequest)
			}
		}
		transfers, err := svc.Transfers(c.UserContext(), userID, accountID, limit)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Failed to list transfers", err)
		}
		if transfers == nil {
			transfers = []*transfer.Transfer{}
		}
		return common.SuccessResponseJSON(c, fiber.StatusOK, "Transfers fetched", transfers)
	}
}

// CreateTransfer executes a transfer request for the current user.
//
// @Summary Execute a transfer
// @Description Moves value to another account or pays it out to an external address, exchanging currencies when they differ.
// @Tags transfers
// @Accept json
// @Produce json
// @Param request body transfer.Request true "Transfer request"
// @Success 201 {object} common.Response{data=transfer.Transfer} "Transfer executed"
// @Failure 400 {object} common.ProblemDetails "Invalid request"
// @Failure 403 {object} common.ProblemDetails "Not the source account owner"
// @Failure 422 {object} common.ProblemDetails "Validation failed or insufficient funds"
// @Failure 500 {object} common.ProblemDetails "Internal server error"
// @Router /transfers [post]
// @Security BearerAuth
func CreateTransfer(svc *ledger.Service, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := middleware.UserID(c)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Unauthorized", err, fiber.StatusUnauthorized)
		}
		input, err := common.BindAndValidate[transfer.Request](c, nil)
		if input == nil {
			return err
		}
		t, err := svc.Transfer(c.UserContext(), userID, input)
		if err != nil {
			if common.ErrorToStatusCode(err) >= fiber.StatusInternalServerError {
				logger.Error("Transfer failed", "user_id", userID, "error", err)
			}
			return common.ProblemDetailsJSON(c, "Transfer failed", err)
		}
		return common.SuccessResponseJSON(c, fiber.StatusCreated, "Transfer executed", t)
	}
}

// GetTransfer returns one transfer visible to the current user.
//
// @Summary Get a transfer
// @Tags transfers
// @Produce json
// @Param gid path string true "Transfer group ID"
// @Success 200 {object} common.Response{data=transfer.Transfer} "Transfer fetched"
// @Failure 400 {object} common.ProblemDetails "Invalid transfer ID"
// @Failure 404 {object} common.ProblemDetails "Transfer not found"
// @Router /transfers/{gid} [get]
// @Security BearerAuth
func GetTransfer(svc *ledger.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := middleware.UserID(c)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Unauthorized", err, fiber.StatusUnauthorized)
		}
		gid, err := uuid.Parse(c.Params("gid"))
		if err != nil {
			return common.ProblemDetailsJSON(c, "Invalid transfer ID", err, fiber.StatusBadRequest)
		}
		t, err := svc.Get(c.UserContext(), userID, gid)
		if err != nil {
			return common.ProblemDetailsJSON(c, "Failed to fetch transfer", err)
		}
		return common.SuccessResponseJSON(c, fiber.StatusOK, "Transfer fetched", t)
	}
}
