package media

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/pion/rtp"
)

// maxDatagram вмещает RTP пакет любого разумного MTU
const maxDatagram = 1500

// Pump читает датаграммы из соединения, разбирает их как RTP и
// передает в приемник. Блокируется до отмены контекста или закрытия
// соединения; соединение закрывается при выходе. Датаграммы, не
// являющиеся RTP, отбрасываются с записью в лог.
func Pump(ctx context.Context, conn net.PacketConn, sink *Sink, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "media", "addr", conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug("датаграмма не является RTP", "size", n, "error", err)
			continue
		}
		if err := sink.Write(pkt); err != nil {
			log.Debug("пакет не принят приемником", "error", err)
		}
	}
}
