package ui

import (
	"fmt"
	"runtime/debug"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

const maxRestarts = 3

// SafeModel wraps a model so a panic in Init, Update or View is logged
// instead of tearing down the terminal.
type SafeModel struct {
	model  tea.Model
	logger *zap.Logger
	failed bool
}

// NewSafeModel wraps model.
func NewSafeModel(model tea.Model, logger *zap.Logger) *SafeModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafeModel{model: model, logger: logger.Named("ui")}
}

// Init implements tea.Model.
func (sm *SafeModel) Init() (cmd tea.Cmd) {
	defer sm.recoverFromPanic("Init", &cmd)
	return sm.model.Init()
}

// Update implements tea.Model.
func (sm *SafeModel) Update(msg tea.Msg) (_ tea.Model, cmd tea.Cmd) {
	defer sm.recoverFromPanic("Update", &cmd)
	next, cmd := sm.model.Update(msg)
	sm.model = next
	return sm, cmd
}

// View implements tea.Model.
func (sm *SafeModel) View() (view string) {
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("View panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			view = "UI error: view crashed. Press q to exit."
		}
	}()
	if sm.failed {
		return "UI error: see logs. Press q to exit.\n" + sm.model.View()
	}
	return sm.model.View()
}

func (sm *SafeModel) recoverFromPanic(method string, cmd *tea.Cmd) {
	if r := recover(); r != nil {
		sm.logger.Error("UI method panic recovered",
			zap.String("method", method),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())))
		sm.failed = true
		*cmd = nil
	}
}

// Run runs a program built by create, restarting it when the program itself
// fails, at most maxRestarts times.
func Run(logger *zap.Logger, create func() (tea.Model, []tea.ProgramOption)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for restarts := 0; ; restarts++ {
		err := runOnce(create)
		if err == nil {
			return nil
		}
		if restarts >= maxRestarts {
			return fmt.Errorf("UI crashed too many times (%d), giving up: %w", restarts+1, err)
		}
		logger.Error("UI crashed, restarting", zap.Error(err), zap.Int("restart_count", restarts+1))
	}
}

func runOnce(create func() (tea.Model, []tea.ProgramOption)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("UI panic: %v", r)
		}
	}()
	model, opts := create()
	if _, err := tea.NewProgram(model, opts...).Run(); err != nil {
		return fmt.Errorf("UI error: %w", err)
	}
	return nil
}
