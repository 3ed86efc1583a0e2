package core

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"sosbot/internal/alert"
	"sosbot/internal/breaks"
	"sosbot/internal/store"
	"sosbot/internal/topics"
	"sosbot/internal/transport"
	"sosbot/pkg/logx"
	"sosbot/pkg/tgui"
)

const mentionKeyword = "номер"

// Commands routes inbound updates: slash commands to their handlers,
// everything else through the message pass (topic ACL, trigger word
// detection, roster mention).
type Commands struct {
	log      logx.Logger
	adapter  transport.Adapter
	topics   *topics.Service
	engine   *alert.Engine
	detector *Detector
	admins   *adminSet
	pool     *store.Store
	breaks   *breaks.Service

	botUsername string

	jobs chan func()
}

func NewCommands(log logx.Logger, adapter transport.Adapter, ts *topics.Service,
	engine *alert.Engine, det *Detector, adm *adminSet,
	pool *store.Store, brk *breaks.Service) *Commands {
	return &Commands{
		log:      log,
		adapter:  adapter,
		topics:   ts,
		engine:   engine,
		detector: det,
		admins:   adm,
		pool:     pool,
		breaks:   brk,
		jobs:     make(chan func(), 256),
	}
}

// SetBotUsername lets the dispatcher strip "@botname" command suffixes.
func (c *Commands) SetBotUsername(name string) {
	c.botUsername = strings.TrimPrefix(name, "@")
}

// DispatchLoop consumes updates until ctx is done, handling each on a
// bounded worker pool so one slow handler cannot stall the stream.
func (c *Commands) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	c.log.Info("dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("panic in dispatch worker",
						logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-c.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Kind != transport.UpdateMessage || u.Message == nil {
				continue
			}
			msg := *u.Message
			select {
			case c.jobs <- func() { c.handle(ctx, msg) }:
			default:
				c.log.Warn("dispatch queue full, dropping update",
					logx.Int64("chat_id", msg.ChatID), logx.Int("message_id", msg.ID))
			}
		}
	}
}

func (c *Commands) handle(ctx context.Context, msg transport.Message) {
	if msg.FromIsBot {
		return
	}
	if cmd, args, ok := c.parseCommand(msg.Text); ok {
		c.handleCommand(ctx, msg, cmd, args)
		return
	}
	c.messagePass(ctx, msg)
}

// messagePass is the non-command path: ACL enforcement, then trigger
// word detection, then the roster mention keyword. Only topic messages
// participate; plain chat messages never raise alerts.
func (c *Commands) messagePass(ctx context.Context, msg transport.Message) {
	if msg.ThreadID == 0 {
		return
	}

	if c.topics.Restricted(msg.ChatID) && !c.topics.AllowedIn(msg.ChatID, msg.ThreadID) {
		if !c.admins.IsAdmin(ctx, msg.ChatID, msg.FromID) {
			err := c.adapter.DeleteMessage(ctx, transport.MessageRef{
				ChatID: msg.ChatID, ThreadID: msg.ThreadID, MessageID: msg.ID,
			})
			if err != nil {
				c.log.Warn("restricted message delete failed",
					logx.Int64("chat_id", msg.ChatID), logx.Int("message_id", msg.ID), logx.Err(err))
			}
			return
		}
	}

	if word, ok := c.detector.Match(msg.Text); ok {
		c.log.Info("trigger word matched",
			logx.Int64("chat_id", msg.ChatID), logx.Int("topic_id", msg.ThreadID),
			logx.String("word", word))
		c.engine.Raise(ctx, msg.ChatID, msg.ThreadID)
	}

	if strings.Contains(strings.ToLower(msg.Text), mentionKeyword) {
		c.mentionRoster(ctx, msg.ChatID, msg.ThreadID)
	}
}

func (c *Commands) mentionRoster(ctx context.Context, chatID int64, topicID int) {
	ws := c.topics.Workers(chatID, topicID)
	if len(ws) == 0 {
		return
	}
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = "@" + w
	}
	c.reply(ctx, chatID, topicID, "🔔 "+strings.Join(parts, " "))
}

// parseCommand recognizes "/cmd arg arg" and "/cmd@botname arg", and
// rejects everything else.
func (c *Commands) parseCommand(text string) (cmd string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	cmd = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		target := cmd[at+1:]
		cmd = cmd[:at]
		if c.botUsername != "" && !strings.EqualFold(target, c.botUsername) {
			return "", nil, false
		}
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

func (c *Commands) handleCommand(ctx context.Context, msg transport.Message, cmd string, args []string) {
	switch cmd {
	case "help", "start":
		c.cmdHelp(ctx, msg)
	case "worker":
		c.adminOnly(ctx, msg, func() { c.cmdWorker(ctx, msg, args) })
	case "only":
		c.adminOnly(ctx, msg, func() { c.cmdOnly(ctx, msg, args) })
	case "gadd":
		c.adminOnly(ctx, msg, func() { c.cmdWordAdd(ctx, msg, args) })
	case "gdel":
		c.adminOnly(ctx, msg, func() { c.cmdWordDel(ctx, msg, args) })
	case "gall":
		c.adminOnly(ctx, msg, func() { c.cmdWordList(ctx, msg) })
	case "admin":
		c.cmdAdmin(ctx, msg, args)
	case "pc":
		c.cmdPC(ctx, msg, args)
	case "topics":
		c.cmdTopics(ctx, msg)
	case "newtopic":
		c.adminOnly(ctx, msg, func() { c.cmdNewTopic(ctx, msg, args) })
	case "deltopic":
		c.adminOnly(ctx, msg, func() { c.cmdDelTopic(ctx, msg) })
	case "rename":
		c.adminOnly(ctx, msg, func() { c.cmdRename(ctx, msg, args) })
	case "broadcast":
		c.adminOnly(ctx, msg, func() { c.cmdBroadcast(ctx, msg, args) })
	case "break":
		c.adminOnly(ctx, msg, func() { c.cmdBreak(ctx, msg, args) })
	}
}

func (c *Commands) adminOnly(ctx context.Context, msg transport.Message, fn func()) {
	if !c.admins.IsAdmin(ctx, msg.ChatID, msg.FromID) {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Команда доступна только администраторам")
		return
	}
	fn()
}

func (c *Commands) cmdHelp(ctx context.Context, msg transport.Message) {
	c.reply(ctx, msg.ChatID, msg.ThreadID, strings.Join([]string{
		"/worker @a @b — назначить ответственных темы",
		"/only [off] — ограничить бота текущей темой",
		"/gadd <слово>, /gdel <слово>, /gall — список тревожных слов",
		"/admin add|del|list <id> — доп. администраторы (владелец)",
		"/pc [<n>|0|add <n>|clear] — пул рабочих мест",
		"/topics, /newtopic <имя>, /deltopic, /rename <имя>",
		"/broadcast <текст> — сообщение во все темы",
		"/break add <имя> <HH:MM> <HH:MM>, /break del <имя>, /break list",
	}, "\n"))
}

func (c *Commands) cmdWorker(ctx context.Context, msg transport.Message, args []string) {
	if msg.ThreadID == 0 {
		c.reply(ctx, msg.ChatID, 0, "Команда работает только внутри темы")
		return
	}
	if len(args) == 0 {
		ws := c.topics.Workers(msg.ChatID, msg.ThreadID)
		if len(ws) == 0 {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "У темы нет ответственных")
			return
		}
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Ответственные: @"+strings.Join(ws, " @"))
		return
	}
	added := c.topics.AddWorkers(msg.ChatID, msg.ThreadID, args...)
	c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Добавлено ответственных: %d", added))
}

func (c *Commands) cmdOnly(ctx context.Context, msg transport.Message, args []string) {
	if msg.ThreadID == 0 {
		c.reply(ctx, msg.ChatID, 0, "Команда работает только внутри темы")
		return
	}
	if len(args) > 0 && strings.EqualFold(args[0], "off") {
		c.topics.Unrestrict(msg.ChatID, msg.ThreadID)
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Ограничение снято")
		return
	}
	c.topics.Restrict(msg.ChatID, msg.ThreadID)
	c.reply(ctx, msg.ChatID, msg.ThreadID, "Бот теперь реагирует только в разрешённых темах")
}

func (c *Commands) cmdWordAdd(ctx context.Context, msg transport.Message, args []string) {
	if len(args) == 0 {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Укажите слово: /gadd <слово>")
		return
	}
	added := 0
	for _, w := range args {
		if c.detector.Add(w) {
			added++
		}
	}
	c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Добавлено слов: %d", added))
}

func (c *Commands) cmdWordDel(ctx context.Context, msg transport.Message, args []string) {
	if len(args) == 0 {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Укажите слово: /gdel <слово>")
		return
	}
	if c.detector.Remove(args[0]) {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Слово удалено")
		return
	}
	c.reply(ctx, msg.ChatID, msg.ThreadID, "Такого слова нет в списке")
}

func (c *Commands) cmdWordList(ctx context.Context, msg transport.Message) {
	words := c.detector.Words()
	if len(words) == 0 {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Список тревожных слов пуст")
		return
	}
	c.reply(ctx, msg.ChatID, msg.ThreadID, "Тревожные слова: "+strings.Join(words, ", "))
}

func (c *Commands) cmdAdmin(ctx context.Context, msg transport.Message, args []string) {
	if !c.admins.IsOwner(msg.FromID) {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Команда доступна только владельцу")
		return
	}
	if len(args) == 0 {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Использование: /admin add|del|list <id>")
		return
	}
	switch strings.ToLower(args[0]) {
	case "list":
		ids := c.admins.List()
		if len(ids) == 0 {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Дополнительных администраторов нет")
			return
		}
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Администраторы: "+strings.Join(parts, ", "))
	case "add", "del":
		if len(args) < 2 {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Укажите id пользователя")
			return
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Некорректный id")
			return
		}
		if args[0] == "add" {
			if c.admins.Add(id) {
				c.reply(ctx, msg.ChatID, msg.ThreadID, "Администратор добавлен")
			} else {
				c.reply(ctx, msg.ChatID, msg.ThreadID, "Уже администратор")
			}
			return
		}
		if c.admins.Del(id) {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Администратор удалён")
		} else {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Такого администратора нет")
		}
	default:
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Использование: /admin add|del|list <id>")
	}
}

func (c *Commands) cmdPC(ctx context.Context, msg transport.Message, args []string) {
	if c.pool == nil {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Пул рабочих мест не настроен")
		return
	}
	if len(args) == 0 {
		free, err := c.pool.Available(ctx)
		if err != nil {
			c.log.Warn("pool list failed", logx.Err(err))
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось получить список")
			return
		}
		if len(free) == 0 {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Свободных мест нет")
			return
		}
		parts := make([]string, len(free))
		for i, id := range free {
			parts[i] = strconv.Itoa(id)
		}
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Свободные места: "+strings.Join(parts, ", "))
		return
	}

	switch strings.ToLower(args[0]) {
	case "add":
		c.adminOnly(ctx, msg, func() {
			if len(args) < 2 {
				c.reply(ctx, msg.ChatID, msg.ThreadID, "Укажите размер: /pc add <n>")
				return
			}
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				c.reply(ctx, msg.ChatID, msg.ThreadID, "Некорректный размер")
				return
			}
			if err := c.pool.Add(ctx, n); err != nil {
				c.log.Warn("pool add failed", logx.Err(err))
				c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось расширить пул")
				return
			}
			c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("В пуле %d мест", n))
		})
	case "clear":
		c.adminOnly(ctx, msg, func() {
			if err := c.pool.Clear(ctx); err != nil {
				c.log.Warn("pool clear failed", logx.Err(err))
				c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось очистить пул")
				return
			}
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Пул очищен")
		})
	case "0":
		n, err := c.pool.ReleaseBy(ctx, msg.FromID)
		if err != nil {
			c.log.Warn("pool release failed", logx.Err(err))
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось освободить место")
			return
		}
		c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Освобождено мест: %d", n))
	default:
		id, err := strconv.Atoi(args[0])
		if err != nil || id <= 0 {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Использование: /pc [<n>|0|add <n>|clear]")
			return
		}
		ok, err := c.pool.Take(ctx, id, msg.FromID)
		if err != nil {
			c.log.Warn("pool take failed", logx.Err(err))
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось занять место")
			return
		}
		if !ok {
			c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Место %d занято или не существует", id))
			return
		}
		c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Место %d за вами", id))
	}
}

func (c *Commands) cmdTopics(ctx context.Context, msg transport.Message) {
	ids := c.topics.Topics(msg.ChatID)
	if len(ids) == 0 {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Известных тем нет")
		return
	}
	var sb strings.Builder
	sb.WriteString("Темы:\n")
	for _, id := range ids {
		fmt.Fprintf(&sb, "• %s (%d)\n", c.topics.TopicName(msg.ChatID, id), id)
	}
	c.reply(ctx, msg.ChatID, msg.ThreadID, sb.String())
}

func (c *Commands) cmdNewTopic(ctx context.Context, msg transport.Message, args []string) {
	name := strings.TrimSpace(strings.Join(args, " "))
	if name == "" {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Укажите название: /newtopic <имя>")
		return
	}
	topicID, err := c.adapter.CreateTopic(ctx, msg.ChatID, name)
	if err != nil {
		c.log.Warn("topic create failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось создать тему")
		return
	}
	c.topics.RecordTopic(msg.ChatID, topicID, name)
	c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Тема «%s» создана", name))
}

func (c *Commands) cmdDelTopic(ctx context.Context, msg transport.Message) {
	if msg.ThreadID == 0 {
		c.reply(ctx, msg.ChatID, 0, "Команда работает только внутри темы")
		return
	}
	if err := c.adapter.DeleteTopic(ctx, msg.ChatID, msg.ThreadID); err != nil {
		c.log.Warn("topic delete failed",
			logx.Int64("chat_id", msg.ChatID), logx.Int("topic_id", msg.ThreadID), logx.Err(err))
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось удалить тему")
		return
	}
	c.engine.Clear(ctx, msg.ChatID, msg.ThreadID)
	c.topics.ForgetTopic(msg.ChatID, msg.ThreadID)
}

func (c *Commands) cmdRename(ctx context.Context, msg transport.Message, args []string) {
	if msg.ThreadID == 0 {
		c.reply(ctx, msg.ChatID, 0, "Команда работает только внутри темы")
		return
	}
	name := strings.TrimSpace(strings.Join(args, " "))
	if name == "" {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Укажите название: /rename <имя>")
		return
	}
	if err := c.adapter.RenameTopic(ctx, msg.ChatID, msg.ThreadID, name); err != nil {
		c.log.Warn("topic rename failed",
			logx.Int64("chat_id", msg.ChatID), logx.Int("topic_id", msg.ThreadID), logx.Err(err))
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось переименовать тему")
		return
	}
	c.topics.RecordTopic(msg.ChatID, msg.ThreadID, name)
	c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Тема переименована в «%s»", name))
}

func (c *Commands) cmdBroadcast(ctx context.Context, msg transport.Message, args []string) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Укажите текст: /broadcast <текст>")
		return
	}
	n := c.Broadcast(ctx, text)
	c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Отправлено в тем: %d", n))
}

// Broadcast sends text into every recorded topic of every known chat,
// pacing sends to stay under the platform rate limits. Returns the
// number of topics reached.
func (c *Commands) Broadcast(ctx context.Context, text string) int {
	sent := 0
	for _, chatID := range c.topics.Chats() {
		for _, topicID := range c.topics.Topics(chatID) {
			if ctx.Err() != nil {
				return sent
			}
			_, err := c.adapter.SendText(ctx,
				transport.ChatTarget{ChatID: chatID, ThreadID: topicID}, text, nil)
			if err != nil {
				c.log.Warn("broadcast send failed",
					logx.Int64("chat_id", chatID), logx.Int("topic_id", topicID), logx.Err(err))
			} else {
				sent++
			}
			select {
			case <-ctx.Done():
				return sent
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return sent
}

func (c *Commands) cmdBreak(ctx context.Context, msg transport.Message, args []string) {
	if c.breaks == nil {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Перерывы не настроены")
		return
	}
	if len(args) == 0 {
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Использование: /break add <имя> <HH:MM> <HH:MM> | del <имя> | list")
		return
	}
	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) < 4 {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Использование: /break add <имя> <HH:MM> <HH:MM>")
			return
		}
		err := c.breaks.Create(breaks.Break{Name: args[1], Start: args[2], End: args[3]})
		if err != nil {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Не удалось создать перерыв: "+err.Error())
			return
		}
		c.reply(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Перерыв «%s» создан (%s–%s)", args[1], args[2], args[3]))
	case "del":
		if len(args) < 2 {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Укажите имя перерыва")
			return
		}
		if c.breaks.Delete(args[1]) {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Перерыв удалён")
		} else {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Такого перерыва нет")
		}
	case "list":
		list := c.breaks.List()
		if len(list) == 0 {
			c.reply(ctx, msg.ChatID, msg.ThreadID, "Перерывов нет")
			return
		}
		var sb strings.Builder
		sb.WriteString("Перерывы:\n")
		for _, b := range list {
			fmt.Fprintf(&sb, "• %s: %s–%s\n", b.Name, b.Start, b.End)
		}
		c.reply(ctx, msg.ChatID, msg.ThreadID, sb.String())
	default:
		c.reply(ctx, msg.ChatID, msg.ThreadID, "Использование: /break add <имя> <HH:MM> <HH:MM> | del <имя> | list")
	}
}

func (c *Commands) reply(ctx context.Context, chatID int64, threadID int, text string) {
	_, err := c.adapter.SendText(ctx,
		transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, tgui.Clip(text), nil)
	if err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
