package app

// Command はlinkboxバイナリのサブコマンド。
type Command string

const (
	// CommandServe はCommandSurfaceのHTTP APIを提供する。
	CommandServe Command = "serve"
	// CommandWorker はスケジューラ、ワーカープール、クリーンアップを動かす。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新にして終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はAPIの/healthを叩いて終了コードで結果を返す。
	// シェルのないコンテナイメージから使う。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数なしや未知の名前はserveになる。2番目以降の引数は見ない。
func ParseCommand(args []string) Command {
	if len(args) > 0 {
		if cmd, ok := knownCommands[args[0]]; ok {
			return cmd
		}
	}
	return CommandServe
}
